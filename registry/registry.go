package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/GoCodeAlone/servicecore"
)

const eventSource = "service_registry"

// Registry implements ServiceRegistry with map-based storage guarded by a
// RWMutex. Events are emitted after the lock is released so subscribers
// may call back into the registry.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceDefinition
	order    []string

	bus    servicecore.EventBus
	logger servicecore.Logger
	now    func() time.Time
}

var _ ServiceRegistry = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithEventBus sets the bus registry events are emitted on.
func WithEventBus(bus servicecore.EventBus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger servicecore.Logger) Option {
	return func(r *Registry) {
		r.logger = servicecore.LoggerOrNop(logger)
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		services: make(map[string]*ServiceDefinition),
		logger:   servicecore.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a service with status registered. Registering an existing
// name logs a warning and replaces the previous definition; the service
// keeps its original position in List.
func (r *Registry) Register(ctx context.Context, name string, instance any, dependencies []string, metadata map[string]any) error {
	if name == "" {
		return fmt.Errorf("registry: %w", servicecore.ErrServiceNameEmpty)
	}
	if instance == nil {
		return fmt.Errorf("registry: service %q: %w", name, servicecore.ErrServiceInstanceNil)
	}

	now := r.now()
	def := &ServiceDefinition{
		Name:         name,
		Instance:     instance,
		Status:       servicecore.StatusRegistered,
		Dependencies: slices.Clone(dependencies),
		Metadata:     make(map[string]any, len(metadata)),
		Probe:        servicecore.ProbeFor(instance),
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	for k, v := range metadata {
		def.Metadata[k] = v
	}

	r.mu.Lock()
	_, exists := r.services[name]
	r.services[name] = def
	if !exists {
		r.order = append(r.order, name)
	}
	r.mu.Unlock()

	if exists {
		r.logger.Warn("Service already registered, overwriting",
			"service", name, "error", servicecore.ErrDuplicateRegistration)
	} else {
		r.logger.Debug("Service registered", "service", name, "dependencies", dependencies)
	}

	r.emit(ctx, servicecore.EventServiceRegistered, servicecore.ServiceRegisteredPayload{
		ServiceName:  name,
		Dependencies: slices.Clone(dependencies),
		Timestamp:    now,
	})
	return nil
}

// Get returns a copy of the named definition.
func (r *Registry) Get(name string) (ServiceDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.services[name]
	if !ok {
		return ServiceDefinition{}, false
	}
	return def.clone(), true
}

// Status returns the status of name, or false if it is unknown.
func (r *Registry) Status(name string) (servicecore.ServiceStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.services[name]
	if !ok {
		return "", false
	}
	return def.Status, true
}

// UpdateStatus moves name to status following servicecore.CanTransition.
// Moving to error increments the error count. A rejected move returns a
// *servicecore.StateTransitionError and leaves the service untouched.
func (r *Registry) UpdateStatus(ctx context.Context, name string, status servicecore.ServiceStatus) error {
	r.mu.Lock()
	def, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: update %q: %w", name, servicecore.ErrServiceNotFound)
	}
	previous := def.Status
	if !servicecore.CanTransition(previous, status) {
		r.mu.Unlock()
		return &servicecore.StateTransitionError{Subject: name, From: string(previous), To: string(status)}
	}
	now := r.now()
	def.Status = status
	def.UpdatedAt = now
	if status == servicecore.StatusError {
		def.ErrorCount++
	}
	r.mu.Unlock()

	if previous == status {
		return nil
	}

	r.logger.Debug("Service status updated", "service", name, "from", previous, "to", status)
	r.emit(ctx, servicecore.EventServiceStatusUpdated, servicecore.StatusUpdatedPayload{
		ServiceName: name,
		Status:      status,
		Previous:    previous,
		Timestamp:   now,
	})
	return nil
}

// Unregister removes name.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	def, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unregister %q: %w", name, servicecore.ErrServiceNotFound)
	}
	delete(r.services, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	r.mu.Unlock()

	r.emit(ctx, servicecore.EventServiceUnregistered, servicecore.ServiceRegisteredPayload{
		ServiceName:  name,
		Dependencies: def.Dependencies,
		Timestamp:    r.now(),
	})
	return nil
}

// ServicesByStatus returns the services in status, in registration order.
func (r *Registry) ServicesByStatus(status servicecore.ServiceStatus) []ServiceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ServiceDefinition
	for _, name := range r.order {
		if def := r.services[name]; def.Status == status {
			out = append(out, def.clone())
		}
	}
	return out
}

// ServiceCount returns the number of registered names.
func (r *Registry) ServiceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// List returns every service in registration order.
func (r *Registry) List() []ServiceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.services[name].clone())
	}
	return out
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Counts returns the number of services per status.
func (r *Registry) Counts() map[servicecore.ServiceStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[servicecore.ServiceStatus]int)
	for _, def := range r.services {
		counts[def.Status]++
	}
	return counts
}

// RecordHealthCheck stores the latest probe outcome for name.
func (r *Registry) RecordHealthCheck(name string, healthy bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.services[name]
	if !ok {
		return fmt.Errorf("registry: health check %q: %w", name, servicecore.ErrServiceNotFound)
	}
	def.LastHealthCheck = at
	def.LastHealthy = healthy
	return nil
}

func (r *Registry) emit(ctx context.Context, eventType string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(ctx, eventType, data, eventSource)
}

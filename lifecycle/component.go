// Package lifecycle provides Component, a reusable base for services that
// need init/destroy/update hooks, lifecycle events and automatic release of
// their bus subscriptions. A Component satisfies the service capability
// contract, so it can be registered and started like any other service.
package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/GoCodeAlone/servicecore"
)

// Metadata describes a component.
type Metadata struct {
	Name         string
	Version      string
	Dependencies []string
	Description  string
}

// State is a snapshot of a component's lifecycle.
type State struct {
	Initialized bool
	Destroyed   bool
	LastUpdate  time.Time
	Error       string
}

// Hooks are the component-specific behaviors. Any of them may be nil.
type Hooks struct {
	OnInit    func(ctx context.Context) error
	OnDestroy func(ctx context.Context) error
	OnUpdate  func(ctx context.Context, data any) error
}

type subscription struct {
	eventType string
	id        servicecore.SubscriptionID
}

// Component runs hooks under lifecycle rules: initializing twice is
// rejected, updates need an initialized component, and destroying releases
// every subscription made through Subscribe.
type Component struct {
	meta   Metadata
	hooks  Hooks
	bus    servicecore.EventBus
	logger servicecore.Logger
	now    func() time.Time

	// opMu serializes Initialize, Destroy and Update.
	opMu  sync.Mutex
	mu    sync.Mutex
	state State
	subs  []subscription
}

var (
	_ servicecore.Initializer   = (*Component)(nil)
	_ servicecore.Destroyer     = (*Component)(nil)
	_ servicecore.HealthChecker = (*Component)(nil)
)

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the component logger.
func WithLogger(logger servicecore.Logger) Option {
	return func(c *Component) {
		c.logger = servicecore.LoggerOrNop(logger)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Component) {
		c.now = now
	}
}

// New creates an uninitialized component.
func New(meta Metadata, bus servicecore.EventBus, hooks Hooks, opts ...Option) *Component {
	c := &Component{
		meta:   meta,
		hooks:  hooks,
		bus:    bus,
		logger: servicecore.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Component) transitionError(from, to string) error {
	return &servicecore.StateTransitionError{Subject: "component " + c.meta.Name, From: from, To: to}
}

// Initialize runs OnInit and emits component.initialized. A destroyed
// component may be initialized again; an initialized one may not.
func (c *Component) Initialize(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state.Initialized {
		c.mu.Unlock()
		return c.transitionError("initialized", "initialized")
	}
	c.mu.Unlock()

	if err := c.run(ctx, c.hooks.OnInit); err != nil {
		return fmt.Errorf("initialize component %s: %w", c.meta.Name, err)
	}

	c.mu.Lock()
	c.state.Initialized = true
	c.state.Destroyed = false
	c.state.LastUpdate = c.now()
	at := c.state.LastUpdate
	c.mu.Unlock()

	c.logger.Debug("Component initialized", "component", c.meta.Name)
	c.Emit(ctx, servicecore.EventComponentInitialized, servicecore.ComponentPayload{Name: c.meta.Name, Timestamp: at})
	return nil
}

// Destroy releases subscriptions, runs OnDestroy and emits
// component.destroyed. Destroying twice is a no-op.
func (c *Component) Destroy(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state.Destroyed {
		c.mu.Unlock()
		return nil
	}
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		c.bus.Unsubscribe(s.eventType, s.id)
	}

	if err := c.run(ctx, c.hooks.OnDestroy); err != nil {
		return fmt.Errorf("destroy component %s: %w", c.meta.Name, err)
	}

	c.mu.Lock()
	c.state.Destroyed = true
	c.state.Initialized = false
	c.mu.Unlock()

	c.logger.Debug("Component destroyed", "component", c.meta.Name)
	c.Emit(ctx, servicecore.EventComponentDestroyed, servicecore.ComponentPayload{Name: c.meta.Name, Timestamp: c.now()})
	return nil
}

// Update runs OnUpdate with data.
func (c *Component) Update(ctx context.Context, data any) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	initialized := c.state.Initialized
	c.mu.Unlock()
	if !initialized {
		return c.transitionError("uninitialized", "updated")
	}

	var hook func(context.Context) error
	if c.hooks.OnUpdate != nil {
		hook = func(ctx context.Context) error { return c.hooks.OnUpdate(ctx, data) }
	}
	if err := c.run(ctx, hook); err != nil {
		return fmt.Errorf("update component %s: %w", c.meta.Name, err)
	}

	c.mu.Lock()
	c.state.LastUpdate = c.now()
	c.mu.Unlock()
	return nil
}

// run executes a hook, recording its error in the state.
func (c *Component) run(ctx context.Context, hook func(context.Context) error) error {
	if hook == nil {
		return nil
	}
	err := hook(ctx)
	c.mu.Lock()
	if err != nil {
		c.state.Error = err.Error()
	} else {
		c.state.Error = ""
	}
	c.mu.Unlock()
	return err
}

// IsHealthy reports whether the component is initialized and its last hook
// succeeded.
func (c *Component) IsHealthy(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Initialized && c.state.Error == ""
}

// Subscribe subscribes handler on behalf of the component. The
// subscription is released by Destroy.
func (c *Component) Subscribe(eventType string, handler servicecore.EventHandler) servicecore.SubscriptionID {
	id := c.bus.Subscribe(eventType, handler, servicecore.WithSource(c.meta.Name))
	if id == 0 {
		return 0
	}
	c.mu.Lock()
	c.subs = append(c.subs, subscription{eventType: eventType, id: id})
	c.mu.Unlock()
	return id
}

// Emit emits with the component name as source.
func (c *Component) Emit(ctx context.Context, eventType string, data any) {
	c.bus.Emit(ctx, eventType, data, c.meta.Name)
}

// State returns a snapshot of the lifecycle state.
func (c *Component) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metadata returns a copy of the metadata.
func (c *Component) Metadata() Metadata {
	m := c.meta
	m.Dependencies = slices.Clone(m.Dependencies)
	return m
}

// Name returns the component name.
func (c *Component) Name() string {
	return c.meta.Name
}

// SubscriptionCount returns how many subscriptions the component holds.
func (c *Component) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

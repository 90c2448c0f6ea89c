// Package metrics exports Prometheus metrics derived from the lifecycle
// events on the bus: startup phase and service outcomes, health summaries,
// error recovery outcomes and recovery plan results.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/servicecore"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "servicecore"

const (
	source       = "metrics"
	noStrategy   = "none"
	outcomeOK    = "success"
	outcomeError = "failure"
)

var errUnexpectedPayload = errors.New("unexpected event payload")

// Collector owns the metric vectors and keeps them current from bus events.
type Collector struct {
	bus       servicecore.EventBus
	logger    servicecore.Logger
	namespace string

	phaseDuration   *prometheus.HistogramVec
	serviceStarts   *prometheus.CounterVec
	startDuration   *prometheus.HistogramVec
	healthServices  *prometheus.GaugeVec
	systemHealth    prometheus.Gauge
	serviceHealthy  *prometheus.GaugeVec
	recoveries      *prometheus.CounterVec
	boundaryHandled *prometheus.CounterVec
	planOutcomes    *prometheus.CounterVec

	mu   sync.Mutex
	subs []subscription
}

type subscription struct {
	eventType string
	id        servicecore.SubscriptionID
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the collector logger.
func WithLogger(logger servicecore.Logger) Option {
	return func(c *Collector) {
		c.logger = servicecore.LoggerOrNop(logger)
	}
}

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(c *Collector) {
		c.namespace = ns
	}
}

// New creates the metric vectors and registers them on reg.
func New(reg prometheus.Registerer, bus servicecore.EventBus, opts ...Option) (*Collector, error) {
	c := &Collector{
		bus:       bus,
		logger:    servicecore.NopLogger(),
		namespace: DefaultNamespace,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: "startup",
		Name:      "phase_duration_seconds",
		Help:      "Duration of startup phases by outcome",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"phase", "outcome"})

	c.serviceStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: "startup",
		Name:      "service_starts_total",
		Help:      "Service start outcomes",
	}, []string{"service", "outcome", "critical"})

	c.startDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: "startup",
		Name:      "service_start_duration_seconds",
		Help:      "Time taken to start each service, including retries",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"service"})

	c.healthServices = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: "health",
		Name:      "services",
		Help:      "Services per health level in the last check",
	}, []string{"level"})

	c.systemHealth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: "health",
		Name:      "system_status",
		Help:      "Aggregated system health: 0 healthy, 1 degraded, 2 unhealthy",
	})

	c.serviceHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: "health",
		Name:      "service_healthy",
		Help:      "1 when the service passed its last health check",
	}, []string{"service"})

	c.recoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: "recovery",
		Name:      "outcomes_total",
		Help:      "Error recovery outcomes by strategy",
	}, []string{"outcome", "strategy"})

	c.boundaryHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: "boundary",
		Name:      "errors_handled_total",
		Help:      "Errors handled by the error boundary",
	}, []string{"service", "recovered"})

	c.planOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: "recovery",
		Name:      "plans_total",
		Help:      "Executed recovery plans by outcome",
	}, []string{"outcome"})

	for _, col := range []prometheus.Collector{
		c.phaseDuration,
		c.serviceStarts,
		c.startDuration,
		c.healthServices,
		c.systemHealth,
		c.serviceHealthy,
		c.recoveries,
		c.boundaryHandled,
		c.planOutcomes,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return c, nil
}

// Start subscribes to the bus. Calling it twice is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 {
		return
	}
	for _, h := range []struct {
		eventType string
		handler   servicecore.EventHandler
	}{
		{servicecore.EventPhaseCompleted, c.onPhase},
		{servicecore.EventPhaseFailed, c.onPhase},
		{servicecore.EventServiceStarted, c.onServiceStart},
		{servicecore.EventServiceFailed, c.onServiceStart},
		{servicecore.EventHealthStatusUpdated, c.onHealth},
		{servicecore.EventErrorRecovered, c.onRecovered},
		{servicecore.EventErrorEscalated, c.onEscalated},
		{servicecore.EventServiceErrorHandled, c.onHandled},
		{servicecore.EventRecoveryPlanCompleted, c.onPlanCompleted},
	} {
		id := c.bus.Subscribe(h.eventType, h.handler, servicecore.WithSource(source))
		c.subs = append(c.subs, subscription{eventType: h.eventType, id: id})
	}
	c.logger.Debug("Metrics collector subscribed", "events", len(c.subs))
}

// Stop removes the subscriptions made by Start.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		c.bus.Unsubscribe(s.eventType, s.id)
	}
	c.subs = nil
}

func unexpected(event servicecore.Event) error {
	return fmt.Errorf("%w for %s: %T", errUnexpectedPayload, event.Type, event.Data)
}

func (c *Collector) onPhase(_ context.Context, event servicecore.Event) error {
	p, ok := servicecore.PayloadAs[servicecore.PhasePayload](event)
	if !ok {
		return unexpected(event)
	}
	outcome := "completed"
	if event.Type == servicecore.EventPhaseFailed {
		outcome = "failed"
	}
	c.phaseDuration.WithLabelValues(p.PhaseName, outcome).Observe(p.Duration.Seconds())
	return nil
}

func (c *Collector) onServiceStart(_ context.Context, event servicecore.Event) error {
	p, ok := servicecore.PayloadAs[servicecore.ServiceStartPayload](event)
	if !ok {
		return unexpected(event)
	}
	outcome := "started"
	if event.Type == servicecore.EventServiceFailed {
		outcome = "failed"
	}
	c.serviceStarts.WithLabelValues(p.ServiceName, outcome, strconv.FormatBool(p.Critical)).Inc()
	if outcome == "started" {
		c.startDuration.WithLabelValues(p.ServiceName).Observe(p.Duration.Seconds())
	}
	return nil
}

func (c *Collector) onHealth(_ context.Context, event servicecore.Event) error {
	p, ok := servicecore.PayloadAs[servicecore.HealthPayload](event)
	if !ok {
		return unexpected(event)
	}
	c.healthServices.WithLabelValues(servicecore.HealthLevelHealthy.String()).Set(float64(p.Summary.Healthy))
	c.healthServices.WithLabelValues(servicecore.HealthLevelWarning.String()).Set(float64(p.Summary.Warning))
	c.healthServices.WithLabelValues(servicecore.HealthLevelCritical.String()).Set(float64(p.Summary.Critical))
	c.systemHealth.Set(float64(p.Summary.Status))

	c.serviceHealthy.Reset()
	for _, r := range p.ServiceResults {
		v := 0.0
		if r.Healthy {
			v = 1
		}
		c.serviceHealthy.WithLabelValues(r.ServiceName).Set(v)
	}
	return nil
}

func (c *Collector) onRecovered(_ context.Context, event servicecore.Event) error {
	p, ok := servicecore.PayloadAs[servicecore.ErrorRecoveredPayload](event)
	if !ok {
		return unexpected(event)
	}
	c.recoveries.WithLabelValues("recovered", p.RecoveryStrategy).Inc()
	return nil
}

func (c *Collector) onEscalated(_ context.Context, event servicecore.Event) error {
	if _, ok := servicecore.PayloadAs[servicecore.ErrorEscalationPayload](event); !ok {
		return unexpected(event)
	}
	c.recoveries.WithLabelValues("escalated", noStrategy).Inc()
	return nil
}

func (c *Collector) onHandled(_ context.Context, event servicecore.Event) error {
	p, ok := servicecore.PayloadAs[servicecore.ErrorHandledPayload](event)
	if !ok {
		return unexpected(event)
	}
	c.boundaryHandled.WithLabelValues(p.ServiceName, strconv.FormatBool(p.Recovered)).Inc()
	return nil
}

func (c *Collector) onPlanCompleted(_ context.Context, event servicecore.Event) error {
	p, ok := servicecore.PayloadAs[servicecore.PlanPayload](event)
	if !ok {
		return unexpected(event)
	}
	outcome := outcomeError
	if p.Success != nil && *p.Success {
		outcome = outcomeOK
	}
	c.planOutcomes.WithLabelValues(outcome).Inc()
	return nil
}

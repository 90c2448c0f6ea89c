package health

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/servicecore"
)

const (
	// DefaultInterval is the time between two health ticks.
	DefaultInterval = 10 * time.Second

	// DefaultProbeTimeout bounds a single service probe.
	DefaultProbeTimeout = 5 * time.Second

	eventSource = "health_monitor"
)

// Monitor periodically probes every registered service and publishes the
// aggregated health on the event bus.
type Monitor struct {
	services     ServiceSource
	bus          servicecore.EventBus
	logger       servicecore.Logger
	interval     time.Duration
	schedule     string
	probeTimeout time.Duration
	concurrency  int
	now          func() time.Time

	mu        sync.RWMutex
	scheduler *cron.Cron
	entryID   cron.EntryID
	running   bool

	resultsMu   sync.RWMutex
	lastResults map[string]servicecore.HealthResult
	lastSummary *servicecore.HealthSummary
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(logger servicecore.Logger) Option {
	return func(m *Monitor) {
		m.logger = servicecore.LoggerOrNop(logger)
	}
}

// WithInterval sets the tick interval. Non-positive values are ignored.
func WithInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithSchedule sets a standard five-field cron expression or a descriptor
// such as "@every 1m". It takes precedence over the interval.
func WithSchedule(spec string) Option {
	return func(m *Monitor) {
		m.schedule = spec
	}
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(m *Monitor) {
		if timeout > 0 {
			m.probeTimeout = timeout
		}
	}
}

// WithConcurrency limits how many probes run at once. Zero means no limit.
func WithConcurrency(n int) Option {
	return func(m *Monitor) {
		m.concurrency = n
	}
}

// WithClock overrides the time source of result timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(services ServiceSource, bus servicecore.EventBus, opts ...Option) *Monitor {
	m := &Monitor{
		services:     services,
		bus:          bus,
		logger:       servicecore.NopLogger(),
		interval:     DefaultInterval,
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
		lastResults:  make(map[string]servicecore.HealthResult),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start schedules the periodic check. The first tick happens one interval
// after Start; call Check directly for an immediate result.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrMonitorAlreadyRunning
	}

	sched, err := m.cronSchedule()
	if err != nil {
		return err
	}

	l := cronLogger{m.logger}
	m.scheduler = cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	m.entryID = m.scheduler.Schedule(sched, cron.FuncJob(func() {
		m.Check(context.WithoutCancel(ctx))
	}))
	m.scheduler.Start()
	m.running = true

	m.logger.Info("Health monitor started", "interval", m.interval, "schedule", m.schedule)
	return nil
}

func (m *Monitor) cronSchedule() (cron.Schedule, error) {
	if m.schedule != "" {
		sched, err := cron.ParseStandard(m.schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid health schedule %q: %w", m.schedule, err)
		}
		return sched, nil
	}
	if m.interval <= 0 {
		return nil, ErrInvalidInterval
	}
	return cron.Every(m.interval), nil
}

// Stop unschedules the check and waits for a running tick to finish or
// for ctx to be done.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrMonitorNotRunning
	}
	stopped := m.scheduler.Stop()
	m.scheduler = nil
	m.running = false
	m.mu.Unlock()

	select {
	case <-stopped.Done():
		m.logger.Info("Health monitor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for health check to finish: %w", ctx.Err())
	}
}

// IsRunning reports whether the periodic check is scheduled.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// SetInterval changes the tick interval, rescheduling when running.
func (m *Monitor) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.interval = interval
	m.schedule = ""
	if !m.running {
		return nil
	}

	job := m.scheduler.Entry(m.entryID).Job
	m.scheduler.Remove(m.entryID)
	m.entryID = m.scheduler.Schedule(cron.Every(interval), job)
	m.logger.Info("Health check interval changed", "interval", interval)
	return nil
}

// Interval returns the configured tick interval.
func (m *Monitor) Interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

// Check probes every registered service once, records the outcome in the
// registry, emits health.status_updated and, when any service is critical,
// health.critical_alert.
func (m *Monitor) Check(ctx context.Context) servicecore.HealthSummary {
	defs := m.services.List()
	results := make([]servicecore.HealthResult, len(defs))

	g, gctx := errgroup.WithContext(ctx)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}
	for i, def := range defs {
		g.Go(func() error {
			results[i] = m.probeService(gctx, def)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if err := m.services.RecordHealthCheck(r.ServiceName, r.Healthy, r.Timestamp); err != nil {
			m.logger.Debug("Service disappeared during health check", "service", r.ServiceName, "error", err)
		}
	}

	summary := Summarize(results, m.now())
	m.store(results, summary)

	m.logger.Debug("Health check completed", "summary", summary.String())
	if m.bus == nil {
		return summary
	}

	m.bus.Emit(ctx, servicecore.EventHealthStatusUpdated, servicecore.HealthPayload{
		Summary:        summary,
		ServiceResults: results,
		Timestamp:      summary.CheckedAt,
	}, eventSource)

	if summary.Critical > 0 {
		critical := slices.DeleteFunc(slices.Clone(results), func(r servicecore.HealthResult) bool {
			return r.Level != servicecore.HealthLevelCritical
		})
		m.logger.Warn("Critical health issues detected", "count", summary.Critical)
		m.bus.Emit(ctx, servicecore.EventHealthCriticalAlert, servicecore.HealthPayload{
			Summary:        summary,
			ServiceResults: critical,
			Timestamp:      summary.CheckedAt,
		}, eventSource)
	}
	return summary
}

func (m *Monitor) store(results []servicecore.HealthResult, summary servicecore.HealthSummary) {
	m.resultsMu.Lock()
	defer m.resultsMu.Unlock()
	clear(m.lastResults)
	for _, r := range results {
		m.lastResults[r.ServiceName] = r
	}
	m.lastSummary = &summary
}

// Result returns the latest result for a service.
func (m *Monitor) Result(name string) (servicecore.HealthResult, bool) {
	m.resultsMu.RLock()
	defer m.resultsMu.RUnlock()
	r, ok := m.lastResults[name]
	return r, ok
}

// Summary returns the latest summary, or false before the first tick.
func (m *Monitor) Summary() (servicecore.HealthSummary, bool) {
	m.resultsMu.RLock()
	defer m.resultsMu.RUnlock()
	if m.lastSummary == nil {
		return servicecore.HealthSummary{}, false
	}
	return *m.lastSummary, true
}

// cronLogger adapts the component logger to cron.Logger.
type cronLogger struct {
	logger servicecore.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

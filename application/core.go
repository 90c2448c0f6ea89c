// Package application assembles the event bus, registry, startup
// orchestrator, health monitor, recovery engine and error boundary into a
// Core owned by the host application. Each Core is isolated, so tests and
// embedded hosts may run several side by side.
package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/servicecore"
	"github.com/GoCodeAlone/servicecore/config"
	"github.com/GoCodeAlone/servicecore/eventbus"
	"github.com/GoCodeAlone/servicecore/health"
	"github.com/GoCodeAlone/servicecore/metrics"
	"github.com/GoCodeAlone/servicecore/recovery"
	"github.com/GoCodeAlone/servicecore/registry"
	"github.com/GoCodeAlone/servicecore/retry"
	"github.com/GoCodeAlone/servicecore/startup"
)

const source = "application"

var (
	ErrAlreadyStarted = errors.New("core already started")
	ErrNotStarted     = errors.New("core not started")
)

// Core is the host-owned context object.
type Core struct {
	logger     servicecore.Logger
	tp         trace.TracerProvider
	registerer prometheus.Registerer
	configFile string
	loadOpts   []config.LoadOption
	strategies []recovery.Strategy

	bus      *eventbus.Bus
	registry *registry.Registry
	engine   *recovery.Engine
	boundary *recovery.Boundary
	monitor  *health.Monitor
	metrics  *metrics.Collector
	watcher  *config.Watcher

	mu           sync.Mutex
	cfg          config.Config
	orchestrator *startup.Orchestrator
	started      bool
	restartSub   servicecore.SubscriptionID
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger handed to every component.
func WithLogger(logger servicecore.Logger) Option {
	return func(c *Core) {
		c.logger = servicecore.LoggerOrNop(logger)
	}
}

// WithConfig uses cfg instead of config.Default.
func WithConfig(cfg config.Config) Option {
	return func(c *Core) {
		c.cfg = cfg.Clone()
	}
}

// WithConfigFile loads the configuration from path and reloads it when the
// file changes while the core runs.
func WithConfigFile(path string, opts ...config.LoadOption) Option {
	return func(c *Core) {
		c.configFile = path
		c.loadOpts = opts
	}
}

// WithMetrics registers the Prometheus collector on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Core) {
		c.registerer = reg
	}
}

// WithTracerProvider sets the provider for startup and recovery spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Core) {
		c.tp = tp
	}
}

// WithStrategies adds recovery strategies after the defaults.
func WithStrategies(strategies ...recovery.Strategy) Option {
	return func(c *Core) {
		c.strategies = append(c.strategies, strategies...)
	}
}

// New builds a stopped core.
func New(opts ...Option) (*Core, error) {
	c := &Core{
		logger: servicecore.NopLogger(),
		cfg:    config.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.configFile != "" {
		cfg, err := config.Load(append(slices.Clone(c.loadOpts), config.WithFile(c.configFile))...)
		if err != nil {
			return nil, err
		}
		c.cfg = cfg
	} else if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	cfg := c.cfg

	c.bus = eventbus.New(
		eventbus.WithLogger(c.logger),
		eventbus.WithHistorySize(cfg.EventBus.HistorySize),
	)
	c.registry = registry.New(registry.WithEventBus(c.bus), registry.WithLogger(c.logger))

	engineOpts := []recovery.Option{
		recovery.WithLogger(c.logger),
		recovery.WithServices(c.registry),
		recovery.WithHistoryLimit(cfg.Recovery.HistoryLimit),
		recovery.WithErrorHistoryLimit(cfg.Recovery.ErrorHistoryLimit),
		recovery.WithPlanRecovery(cfg.Recovery.PlanRecovery),
		recovery.WithRestarter(c.restartService),
	}
	if c.tp != nil {
		engineOpts = append(engineOpts, recovery.WithTracerProvider(c.tp))
	}
	c.engine = recovery.NewEngine(c.bus, engineOpts...)
	for _, s := range c.strategies {
		if err := c.engine.AddStrategy(s); err != nil {
			return nil, fmt.Errorf("add recovery strategy: %w", err)
		}
	}

	c.boundary = recovery.NewBoundary(c.bus,
		recovery.WithBoundaryLogger(c.logger),
		recovery.WithOutcomes(c.engine),
		recovery.WithCooldown(cfg.Boundary.Cooldown.Std()),
		recovery.WithLimit(cfg.Boundary.MaxAttempts, cfg.Boundary.Window.Std()),
		recovery.WithRateLimit(cfg.Boundary.RatePerSecond, cfg.Boundary.Burst),
	)

	c.monitor = health.NewMonitor(c.registry, c.bus,
		health.WithLogger(c.logger),
		health.WithInterval(cfg.Health.Interval.Std()),
		health.WithSchedule(cfg.Health.Schedule),
		health.WithProbeTimeout(cfg.Health.ProbeTimeout.Std()),
		health.WithConcurrency(cfg.Health.Concurrency),
	)

	if c.registerer != nil {
		collector, err := metrics.New(c.registerer, c.bus, metrics.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		c.metrics = collector
	}

	orch, err := c.newOrchestrator(cfg)
	if err != nil {
		return nil, err
	}
	c.orchestrator = orch

	if c.configFile != "" {
		c.watcher = config.NewWatcher(c.configFile, c.bus,
			config.WithWatcherLogger(c.logger),
			config.WithLoadOptions(c.loadOpts...))
		c.watcher.OnReload(c.applyConfig)
	}
	return c, nil
}

func (c *Core) newOrchestrator(cfg config.Config) (*startup.Orchestrator, error) {
	opts := []startup.Option{
		startup.WithLogger(c.logger),
		startup.WithPollInterval(cfg.Startup.PollInterval.Std()),
		startup.WithBackoff(retry.DefaultPolicy().WithMaxDelay(cfg.Startup.MaxBackoff.Std())),
	}
	if c.tp != nil {
		opts = append(opts, startup.WithTracerProvider(c.tp))
	}
	return startup.New(cfg.ToPlan(), c.registry, c.bus, opts...)
}

// Bus returns the event bus.
func (c *Core) Bus() *eventbus.Bus { return c.bus }

// Registry returns the service registry.
func (c *Core) Registry() *registry.Registry { return c.registry }

// Engine returns the recovery engine.
func (c *Core) Engine() *recovery.Engine { return c.engine }

// Boundary returns the error boundary.
func (c *Core) Boundary() *recovery.Boundary { return c.boundary }

// Monitor returns the health monitor.
func (c *Core) Monitor() *health.Monitor { return c.monitor }

// Config returns the active configuration.
func (c *Core) Config() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

// Orchestrator returns the orchestrator built from the active configuration.
func (c *Core) Orchestrator() *startup.Orchestrator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orchestrator
}

// Register adds a service to the registry.
func (c *Core) Register(ctx context.Context, name string, instance any, dependencies []string, metadata map[string]any) error {
	return c.registry.Register(ctx, name, instance, dependencies, metadata)
}

// Start wires the listeners, runs the startup sequence and schedules health
// checks. When startup aborts, the listeners are removed again and the
// report is returned with the error.
func (c *Core) Start(ctx context.Context) (*startup.Report, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.started = true
	orch := c.orchestrator
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Start()
	}
	c.engine.Start()
	c.boundary.Start()
	id := c.bus.Subscribe(servicecore.EventServiceRestartRequest, c.onRestartRequest, servicecore.WithSource(source))
	c.mu.Lock()
	c.restartSub = id
	c.mu.Unlock()

	report, err := orch.Run(ctx)
	if err != nil {
		c.detach()
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return report, fmt.Errorf("start core: %w", err)
	}

	if err := c.monitor.Start(ctx); err != nil {
		c.detach()
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return report, fmt.Errorf("start core: %w", err)
	}
	if c.watcher != nil {
		if _, err := c.watcher.Start(ctx); err != nil {
			c.logger.Warn("Configuration watcher not started", "path", c.configFile, "error", err)
		}
	}

	c.logger.Info("Core started", "services", len(report.Started()), "failed", len(report.Failed()))
	return report, nil
}

// Stop halts health checks, removes the listeners and destroys started
// services in reverse registration order. Every failure is returned joined.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.started = false
	c.mu.Unlock()

	var errs []error
	if err := c.monitor.Stop(ctx); err != nil && !errors.Is(err, health.ErrMonitorNotRunning) {
		errs = append(errs, err)
	}
	if c.watcher != nil {
		if err := c.watcher.Stop(); err != nil && !errors.Is(err, config.ErrWatcherNotRunning) {
			errs = append(errs, err)
		}
	}
	c.detach()

	services := c.registry.List()
	for _, def := range slices.Backward(services) {
		if def.Status != servicecore.StatusRunning && def.Status != servicecore.StatusInitialized {
			continue
		}
		if d, ok := def.Instance.(servicecore.Destroyer); ok {
			if err := d.Destroy(ctx); err != nil {
				c.logger.Error("Error destroying service", "service", def.Name, "error", err)
				errs = append(errs, fmt.Errorf("destroy %s: %w", def.Name, err))
			}
		}
		if err := c.registry.UpdateStatus(ctx, def.Name, servicecore.StatusStopped); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("Core stopped")
	return errors.Join(errs...)
}

// detach removes every bus listener installed by Start.
func (c *Core) detach() {
	c.mu.Lock()
	id := c.restartSub
	c.restartSub = 0
	c.mu.Unlock()
	if id != 0 {
		c.bus.Unsubscribe(servicecore.EventServiceRestartRequest, id)
	}
	c.boundary.Stop()
	c.engine.Stop()
	if c.metrics != nil {
		c.metrics.Stop()
	}
}

// onRestartRequest restarts the named service synchronously. Requests for
// unknown services are ignored.
func (c *Core) onRestartRequest(ctx context.Context, event servicecore.Event) error {
	p, ok := servicecore.PayloadAs[servicecore.RestartRequestPayload](event)
	if !ok {
		return fmt.Errorf("unexpected payload for %s: %T", event.Type, event.Data)
	}
	if _, ok := c.registry.Get(p.ServiceName); !ok {
		c.logger.Debug("Ignoring restart request for unknown service", "service", p.ServiceName)
		return nil
	}

	c.logger.Info("Restart requested", "service", p.ServiceName, "reason", p.Reason)
	return c.restartService(ctx, p.ServiceName)
}

// restartService restarts name under the active startup plan.
func (c *Core) restartService(ctx context.Context, name string) error {
	if err := c.Orchestrator().RestartService(ctx, name); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	return nil
}

// applyConfig adopts a reloaded configuration. The health interval changes
// immediately; the startup plan applies to later restarts.
func (c *Core) applyConfig(cfg config.Config) {
	orch, err := c.newOrchestrator(cfg)
	if err != nil {
		c.logger.Error("Reloaded startup plan rejected", "error", err)
		return
	}

	c.mu.Lock()
	prev := c.cfg
	c.cfg = cfg
	c.orchestrator = orch
	c.mu.Unlock()

	if cfg.Health.Schedule == "" && cfg.Health.Interval != prev.Health.Interval {
		if err := c.monitor.SetInterval(cfg.Health.Interval.Std()); err != nil {
			c.logger.Error("Health interval not applied", "error", err)
		}
	}
}

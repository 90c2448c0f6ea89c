package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/servicecore"
	"github.com/GoCodeAlone/servicecore/registry"
)

const (
	eventSource = "error_recovery"
	tracerName  = "github.com/GoCodeAlone/servicecore/recovery"

	// DefaultErrorHistoryLimit bounds the error contexts kept for ErrorSummary.
	DefaultErrorHistoryLimit = 500

	maxPendingOutcomes = 256
	recentWindow       = 24 * time.Hour
)

// ServiceLookup is the registry surface used for system snapshots and
// plan verification.
type ServiceLookup interface {
	Get(name string) (registry.ServiceDefinition, bool)
	List() []registry.ServiceDefinition
}

// Outcome is the result of handling one error.
type Outcome struct {
	Context   servicecore.ErrorContext
	Recovered bool
	Strategy  string
	Tried     []string
	Err       error
}

// ErrorSummary aggregates the handled errors.
type ErrorSummary struct {
	Total        int                           `json:"total"`
	Recent       int                           `json:"recent"`
	BySeverity   map[servicecore.Severity]int  `json:"bySeverity"`
	ByType       map[servicecore.ErrorType]int `json:"byType"`
	Recovered    int                           `json:"recovered"`
	Escalated    int                           `json:"escalated"`
	RecoveryRate float64                       `json:"recoveryRate"`
}

// Engine selects and runs recovery strategies and executes recovery plans.
type Engine struct {
	bus      servicecore.EventBus
	logger   servicecore.Logger
	services ServiceLookup
	restart  Restarter
	tracer   trace.Tracer
	now      func() time.Time

	mu                sync.Mutex
	strategies        []Strategy
	strategiesSet     bool
	state             map[string]*StrategyState
	errors            []servicecore.ErrorContext
	errorHistoryLimit int
	outcomes          map[string]Outcome
	recovered         int
	escalated         int

	planMu         sync.Mutex
	active         map[string]*Plan
	executing      map[string]bool
	history        []PlanRecord
	historyLimit   int
	planRecovery   bool
	verifyInterval time.Duration

	subMu sync.Mutex
	subs  []subscription
}

type subscription struct {
	eventType string
	id        servicecore.SubscriptionID
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger servicecore.Logger) Option {
	return func(e *Engine) {
		e.logger = servicecore.LoggerOrNop(logger)
	}
}

// WithStrategies replaces the default strategies.
func WithStrategies(strategies ...Strategy) Option {
	return func(e *Engine) {
		e.strategies = slices.Clone(strategies)
		e.strategiesSet = true
	}
}

// WithServices gives the engine read access to the registry.
func WithServices(services ServiceLookup) Option {
	return func(e *Engine) {
		e.services = services
	}
}

// WithRestarter makes the ServiceRestart strategy and the restart step of
// service plans restart through r and fail when it fails. Without it both
// only emit service.restart.request.
func WithRestarter(r Restarter) Option {
	return func(e *Engine) {
		e.restart = r
	}
}

// WithHistoryLimit bounds the plan history.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

// WithErrorHistoryLimit bounds the error history.
func WithErrorHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.errorHistoryLimit = n
		}
	}
}

// WithPlanRecovery makes service.error also build a service recovery plan,
// executed immediately when its priority is critical.
func WithPlanRecovery(enabled bool) Option {
	return func(e *Engine) {
		e.planRecovery = enabled
	}
}

// WithVerifyInterval sets how often the verify step polls the registry.
func WithVerifyInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.verifyInterval = d
		}
	}
}

// WithTracerProvider sets the provider plan spans are created with.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// WithClock overrides the time source used for cooldowns and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine with the default strategies unless
// WithStrategies is given. Call Start to subscribe it to the bus.
func NewEngine(bus servicecore.EventBus, opts ...Option) *Engine {
	e := &Engine{
		bus:               bus,
		logger:            servicecore.NopLogger(),
		tracer:            otel.Tracer(tracerName),
		now:               time.Now,
		state:             make(map[string]*StrategyState),
		errorHistoryLimit: DefaultErrorHistoryLimit,
		outcomes:          make(map[string]Outcome),
		active:            make(map[string]*Plan),
		executing:         make(map[string]bool),
		historyLimit:      DefaultPlanHistoryLimit,
		verifyInterval:    DefaultVerifyInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.strategiesSet {
		e.strategies = DefaultStrategies(bus, e.restart)
	}
	return e
}

// AddStrategy appends a strategy after the existing ones.
func (e *Engine) AddStrategy(s Strategy) error {
	if s.Name == "" {
		return servicecore.ErrStrategyNameEmpty
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.strategies {
		if existing.Name == s.Name {
			return fmt.Errorf("%w: %s", servicecore.ErrStrategyAlreadyExists, s.Name)
		}
	}
	e.strategies = append(e.strategies, s)
	return nil
}

// Strategies returns the strategy names in priority order.
func (e *Engine) Strategies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name
	}
	return names
}

// StrategyState returns the bookkeeping of a strategy that ran at least once.
func (e *Engine) StrategyState(name string) (StrategyState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[name]
	if !ok {
		return StrategyState{}, false
	}
	return *st, true
}

// ResetStrategy clears the attempts and cooldown of one strategy.
func (e *Engine) ResetStrategy(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.state, name)
}

// HandleError classifies an error and runs the applicable strategies in
// order until one succeeds. When none is applicable or all fail, the error
// is escalated and Outcome.Err wraps ErrNoApplicableStrategy or
// ErrRecoveryExhausted.
func (e *Engine) HandleError(ctx context.Context, p servicecore.ErrorPayload) Outcome {
	ec := NewErrorContext(p, e.now())
	state := e.snapshotSystem()
	ec.SystemState = &state

	e.mu.Lock()
	e.errors = append(e.errors, ec)
	if over := len(e.errors) - e.errorHistoryLimit; over > 0 {
		e.errors = slices.Delete(e.errors, 0, over)
	}
	candidates := make([]Strategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		if s.Applicable != nil && s.Applicable(ec) && e.availableLocked(s, e.now()) {
			candidates = append(candidates, s)
		}
	}
	e.mu.Unlock()

	e.logger.Info("Handling error", "service", ec.ServiceName, "type", ec.ErrorType, "severity", ec.Severity, "candidates", len(candidates))

	out := Outcome{Context: ec}
	if len(candidates) == 0 {
		out.Err = fmt.Errorf("service %s: %w", ec.ServiceName, servicecore.ErrNoApplicableStrategy)
		e.escalate(ctx, &out)
		return out
	}

	for _, s := range candidates {
		if !e.reserve(s) {
			continue
		}
		out.Tried = append(out.Tried, s.Name)
		err := e.execute(ctx, s, ec)
		e.settle(s.Name, err == nil)
		if err != nil {
			e.logger.Warn("Recovery strategy failed", "strategy", s.Name, "service", ec.ServiceName, "error", err)
			continue
		}

		e.logger.Info("Recovery strategy succeeded", "strategy", s.Name, "service", ec.ServiceName)
		out.Recovered = true
		out.Strategy = s.Name
		e.finish(out)
		e.bus.Emit(ctx, servicecore.EventErrorRecovered, servicecore.ErrorRecoveredPayload{
			ErrorContext:     ec,
			RecoveryStrategy: s.Name,
			Timestamp:        e.now(),
		}, eventSource)
		return out
	}

	out.Err = fmt.Errorf("service %s after %v: %w", ec.ServiceName, out.Tried, servicecore.ErrRecoveryExhausted)
	e.escalate(ctx, &out)
	return out
}

func (e *Engine) stateFor(name string) *StrategyState {
	st, ok := e.state[name]
	if !ok {
		st = &StrategyState{}
		e.state[name] = st
	}
	return st
}

func (e *Engine) availableLocked(s Strategy, now time.Time) bool {
	st, ok := e.state[s.Name]
	return !ok || st.available(s, now)
}

// reserve re-checks availability and books an attempt with its cooldown.
func (e *Engine) reserve(s Strategy) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	st := e.stateFor(s.Name)
	if !st.available(s, now) {
		return false
	}
	st.Attempts++
	st.LastAttempt = now
	st.CooldownUntil = now.Add(s.Cooldown)
	return true
}

// settle resets the attempt counter after a success.
func (e *Engine) settle(name string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateFor(name)
	if success {
		st.Attempts = 0
		st.Successes++
		return
	}
	st.Failures++
}

func (e *Engine) execute(ctx context.Context, s Strategy, ec servicecore.ErrorContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", s.Name, r)
		}
	}()
	if s.Execute == nil {
		return errors.New("strategy has no action")
	}
	return s.Execute(ctx, ec)
}

func (e *Engine) escalate(ctx context.Context, out *Outcome) {
	ec := out.Context
	e.logger.Error("Error escalated", "service", ec.ServiceName, "type", ec.ErrorType, "severity", ec.Severity, "error", out.Err)
	e.finish(*out)

	e.bus.Emit(ctx, servicecore.EventErrorEscalated, servicecore.ErrorEscalationPayload{
		ErrorContext:       ec,
		RecommendedActions: RecommendedActions(ec),
		Timestamp:          e.now(),
	}, eventSource)

	if ec.Severity == servicecore.SeverityCritical {
		e.bus.Emit(ctx, servicecore.EventUserNotification, servicecore.NotificationPayload{
			Type:      "error",
			Title:     "Critical System Error",
			Message:   fmt.Sprintf("Service %s has encountered a critical error that could not be automatically resolved.", ec.ServiceName),
			Actions:   append([]string{"Restart Application", "Contact Support"}, RecommendedActions(ec)...),
			Timestamp: ec.Timestamp,
		}, eventSource)
	}
}

func (e *Engine) finish(out Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if out.Recovered {
		e.recovered++
	} else {
		e.escalated++
	}
	id := out.Context.CorrelationID
	if id == "" {
		return
	}
	if len(e.outcomes) >= maxPendingOutcomes {
		for k := range e.outcomes {
			delete(e.outcomes, k)
			break
		}
	}
	e.outcomes[id] = out
}

// TakeOutcome returns and forgets the outcome of the error carrying
// correlationID.
func (e *Engine) TakeOutcome(correlationID string) (Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, ok := e.outcomes[correlationID]
	delete(e.outcomes, correlationID)
	return out, ok
}

func (e *Engine) snapshotSystem() servicecore.SystemState {
	running, total := 0, 0
	if e.services != nil {
		defs := e.services.List()
		total = len(defs)
		for _, d := range defs {
			if d.Status == servicecore.StatusRunning {
				running++
			}
		}
	}
	return servicecore.CaptureSystemState(running, total)
}

// ErrorSummary aggregates the error history. Recent covers the last 24h.
func (e *Engine) ErrorSummary() ErrorSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := ErrorSummary{
		Total:      len(e.errors),
		BySeverity: make(map[servicecore.Severity]int),
		ByType:     make(map[servicecore.ErrorType]int),
		Recovered:  e.recovered,
		Escalated:  e.escalated,
	}
	cutoff := e.now().Add(-recentWindow)
	for _, ec := range e.errors {
		if ec.Timestamp.Before(cutoff) {
			continue
		}
		s.Recent++
		s.BySeverity[ec.Severity]++
		s.ByType[ec.ErrorType]++
	}
	if handled := e.recovered + e.escalated; handled > 0 {
		s.RecoveryRate = float64(e.recovered) / float64(handled)
	}
	return s
}

// RecentErrors returns up to limit error contexts, newest first.
func (e *Engine) RecentErrors(limit int) []servicecore.ErrorContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := slices.Clone(e.errors)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ClearHistory forgets handled errors and every strategy's state.
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = nil
	clear(e.state)
	clear(e.outcomes)
	e.recovered, e.escalated = 0, 0
	e.logger.Info("Error history cleared")
}

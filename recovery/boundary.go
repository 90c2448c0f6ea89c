package recovery

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/servicecore"
)

const (
	boundarySource = "error_boundary"

	// DefaultBoundaryCooldown is the minimum time between two recovery
	// attempts for the same service.
	DefaultBoundaryCooldown = 5 * time.Second

	// DefaultBoundaryMaxAttempts caps the errors of one service inside the
	// window. The error reaching the cap is escalated instead of forwarded.
	DefaultBoundaryMaxAttempts = 3

	// DefaultBoundaryWindow is the span recent errors are counted over.
	DefaultBoundaryWindow = 5 * time.Minute

	// DefaultBoundaryRate and DefaultBoundaryBurst throttle error storms.
	DefaultBoundaryRate  = 10
	DefaultBoundaryBurst = 20
)

// OutcomeSource returns the recovery outcome of a forwarded error.
type OutcomeSource interface {
	TakeOutcome(correlationID string) (Outcome, bool)
}

// Report is what the boundary did with one error.
type Report struct {
	CorrelationID string
	ServiceName   string
	Err           error
	Recovered     bool
	Escalated     bool
	Suppressed    bool
	// Reason is set when recovery was not attempted: ErrBoundaryCooldown
	// or ErrBoundaryLimit.
	Reason error
}

type serviceError struct {
	err       error
	timestamp time.Time
	details   map[string]any
}

// ServiceErrorSummary is the per-service view of the boundary history.
type ServiceErrorSummary struct {
	Count     int       `json:"count"`
	LastError time.Time `json:"lastError"`
}

// Boundary is the catch-all for failures nothing else handled. It records
// every error, forwards those within the per-service limits to the engine
// as service.error and escalates the rest. Panics inside Guard and Go are
// converted to errors.
type Boundary struct {
	bus      servicecore.EventBus
	outcomes OutcomeSource
	logger   servicecore.Logger
	now      func() time.Time

	cooldown    time.Duration
	maxAttempts int
	window      time.Duration
	limiter     *rate.Limiter

	mu          sync.Mutex
	history     map[string][]serviceError
	lastAttempt map[string]time.Time
	attempts    map[string]int

	suppressed atomic.Int64
	wg         sync.WaitGroup

	subMu sync.Mutex
	subID servicecore.SubscriptionID
}

// BoundaryOption configures a Boundary.
type BoundaryOption func(*Boundary)

// WithBoundaryLogger sets the boundary logger.
func WithBoundaryLogger(logger servicecore.Logger) BoundaryOption {
	return func(b *Boundary) {
		b.logger = servicecore.LoggerOrNop(logger)
	}
}

// WithOutcomes sets where recovery outcomes are read from, usually the
// Engine handling service.error.
func WithOutcomes(src OutcomeSource) BoundaryOption {
	return func(b *Boundary) {
		b.outcomes = src
	}
}

// WithCooldown sets the per-service cooldown.
func WithCooldown(d time.Duration) BoundaryOption {
	return func(b *Boundary) {
		b.cooldown = d
	}
}

// WithLimit sets how many errors per window are forwarded to recovery.
func WithLimit(maxAttempts int, window time.Duration) BoundaryOption {
	return func(b *Boundary) {
		if maxAttempts > 0 {
			b.maxAttempts = maxAttempts
		}
		if window > 0 {
			b.window = window
		}
	}
}

// WithRateLimit throttles how many errors per second the boundary
// processes. Errors over the limit are recorded and counted only.
func WithRateLimit(perSecond float64, burst int) BoundaryOption {
	return func(b *Boundary) {
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithBoundaryClock overrides the time source.
func WithBoundaryClock(now func() time.Time) BoundaryOption {
	return func(b *Boundary) {
		b.now = now
	}
}

// NewBoundary creates a boundary emitting on bus.
func NewBoundary(bus servicecore.EventBus, opts ...BoundaryOption) *Boundary {
	b := &Boundary{
		bus:         bus,
		logger:      servicecore.NopLogger(),
		now:         time.Now,
		cooldown:    DefaultBoundaryCooldown,
		maxAttempts: DefaultBoundaryMaxAttempts,
		window:      DefaultBoundaryWindow,
		limiter:     rate.NewLimiter(DefaultBoundaryRate, DefaultBoundaryBurst),
		history:     make(map[string][]serviceError),
		lastAttempt: make(map[string]time.Time),
		attempts:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes the boundary to service.initialization_failed.
func (b *Boundary) Start() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.subID != 0 {
		return
	}
	b.subID = b.bus.Subscribe(servicecore.EventServiceInitializationFailed, func(ctx context.Context, e servicecore.Event) error {
		p, err := errorPayloadFrom(e)
		if err != nil {
			return err
		}
		b.Report(ctx, p.ServiceName, fmt.Errorf("initialization: %s", p.Error), map[string]any{"type": "initialization"})
		return nil
	}, servicecore.WithSource(boundarySource))
}

// Stop removes the subscription made by Start and waits for goroutines
// started with Go.
func (b *Boundary) Stop() {
	b.subMu.Lock()
	if b.subID != 0 {
		b.bus.Unsubscribe(servicecore.EventServiceInitializationFailed, b.subID)
		b.subID = 0
	}
	b.subMu.Unlock()
	b.wg.Wait()
}

// Guard runs fn, converting a panic into an error carrying the stack. Any
// error is reported and returned.
func (b *Boundary) Guard(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	stack, err := protect(ctx, fn)
	if err == nil {
		return nil
	}
	var details map[string]any
	if stack != "" {
		details = map[string]any{"stackTrace": stack}
	}
	b.Report(ctx, service, err, details)
	return err
}

// Go runs fn on a new goroutine under Guard. Wait blocks until every such
// goroutine returned.
func (b *Boundary) Go(ctx context.Context, service string, fn func(ctx context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = b.Guard(ctx, service, fn)
	}()
}

// Wait blocks until every goroutine started with Go returned.
func (b *Boundary) Wait() {
	b.wg.Wait()
}

func protect(ctx context.Context, fn func(ctx context.Context) error) (stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", servicecore.ErrPanicRecovered, r)
			stack = string(debug.Stack())
		}
	}()
	return "", fn(ctx)
}

// Report records err for service and decides what to do with it. Inside
// the cooldown or over the window limit the error is escalated; otherwise
// it is forwarded to recovery as service.error. A nil err is ignored.
func (b *Boundary) Report(ctx context.Context, service string, err error, details map[string]any) Report {
	if service == "" {
		service = "global"
	}
	if err == nil {
		return Report{ServiceName: service}
	}
	now := b.now()
	rep := Report{CorrelationID: servicecore.NewID(), ServiceName: service, Err: err}

	b.mu.Lock()
	cutoff := now.Add(-b.window)
	kept := slices.DeleteFunc(b.history[service], func(e serviceError) bool {
		return e.timestamp.Before(cutoff)
	})
	b.history[service] = append(kept, serviceError{err: err, timestamp: now, details: details})
	b.mu.Unlock()

	if !b.limiter.Allow() {
		rep.Suppressed = true
		n := b.suppressed.Add(1)
		b.logger.Warn("Error suppressed by boundary throttle", "service", service, "error", err, "suppressed", n)
		return rep
	}

	b.logger.Error("Service error", "service", service, "error", err)

	reason := b.admit(service, now)
	if reason == nil {
		rep.Recovered = b.attemptRecovery(ctx, &rep, details)
		if !rep.Recovered {
			b.escalate(ctx, rep, now, details)
			rep.Escalated = true
		}
	} else {
		rep.Reason = reason
		b.escalate(ctx, rep, now, details)
		rep.Escalated = true
	}

	b.bus.Emit(ctx, servicecore.EventServiceErrorHandled, servicecore.ErrorHandledPayload{
		ServiceName: service,
		Error:       err.Error(),
		Recovered:   rep.Recovered,
		Timestamp:   now,
	}, boundarySource)
	return rep
}

// admit applies the cooldown and the recent-error limit, booking an
// attempt when both pass.
func (b *Boundary) admit(service string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.lastAttempt[service]; ok && now.Sub(last) < b.cooldown {
		return fmt.Errorf("%w: %s", servicecore.ErrBoundaryCooldown, service)
	}
	cutoff := now.Add(-b.window)
	recent := 0
	for _, e := range b.history[service] {
		if !e.timestamp.Before(cutoff) {
			recent++
		}
	}
	if recent >= b.maxAttempts {
		return fmt.Errorf("%w: %s has %d errors in %s", servicecore.ErrBoundaryLimit, service, recent, b.window)
	}
	b.lastAttempt[service] = now
	b.attempts[service]++
	return nil
}

func (b *Boundary) attemptRecovery(ctx context.Context, rep *Report, details map[string]any) bool {
	b.mu.Lock()
	attempt := b.attempts[rep.ServiceName]
	b.mu.Unlock()

	b.logger.Info("Attempting recovery", "service", rep.ServiceName, "attempt", attempt)
	b.bus.Emit(ctx, servicecore.EventServiceRecoveryAttempt, servicecore.RecoveryAttemptPayload{
		ServiceName: rep.ServiceName,
		Attempt:     attempt,
		Timestamp:   b.now(),
	}, boundarySource)

	if b.outcomes == nil {
		b.bus.Emit(ctx, servicecore.EventServiceRestartRequest, servicecore.RestartRequestPayload{
			ServiceName: rep.ServiceName,
			Reason:      "error_recovery",
			Timestamp:   b.now(),
		}, boundarySource)
		return true
	}

	payload := servicecore.ErrorPayload{
		CorrelationID: rep.CorrelationID,
		ServiceName:   rep.ServiceName,
		Error:         rep.Err.Error(),
		Timestamp:     b.now(),
	}
	if st, ok := details["stackTrace"].(string); ok {
		payload.StackTrace = st
	}
	b.bus.Emit(ctx, servicecore.EventServiceError, payload, boundarySource)

	out, ok := b.outcomes.TakeOutcome(rep.CorrelationID)
	if !ok {
		b.logger.Warn("No recovery outcome for forwarded error", "service", rep.ServiceName, "correlationId", rep.CorrelationID)
		return false
	}
	return out.Recovered
}

func (b *Boundary) escalate(ctx context.Context, rep Report, at time.Time, details map[string]any) {
	b.logger.Error("Escalating error", "service", rep.ServiceName, "reason", rep.Reason)
	b.bus.Emit(ctx, servicecore.EventServiceErrorEscalated, servicecore.ErrorEscalatedPayload{
		ServiceName: rep.ServiceName,
		Error:       rep.Err.Error(),
		Timestamp:   at,
		Context:     details,
	}, boundarySource)
}

// Suppressed returns how many errors the throttle dropped from processing.
func (b *Boundary) Suppressed() int64 {
	return b.suppressed.Load()
}

// ErrorSummary returns the error count and last error time per service.
// Errors older than the window are dropped whenever the service reports a
// new one.
func (b *Boundary) ErrorSummary() map[string]ServiceErrorSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]ServiceErrorSummary, len(b.history))
	for name, errs := range b.history {
		s := ServiceErrorSummary{Count: len(errs)}
		if len(errs) > 0 {
			s.LastError = errs[len(errs)-1].timestamp
		}
		out[name] = s
	}
	return out
}

// Errors returns the recorded errors of a service, oldest first.
func (b *Boundary) Errors(service string) []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]error, 0, len(b.history[service]))
	for _, e := range b.history[service] {
		out = append(out, e.err)
	}
	return out
}

// ClearHistory forgets the errors of service, or of every service when
// service is empty.
func (b *Boundary) ClearHistory(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if service == "" {
		clear(b.history)
		clear(b.lastAttempt)
		clear(b.attempts)
		return
	}
	delete(b.history, service)
	delete(b.lastAttempt, service)
	delete(b.attempts, service)
}

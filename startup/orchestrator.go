package startup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/servicecore"
	"github.com/GoCodeAlone/servicecore/registry"
	"github.com/GoCodeAlone/servicecore/retry"
)

const (
	eventSource = "startup"
	tracerName  = "github.com/GoCodeAlone/servicecore/startup"

	// DefaultPollInterval is how often dependency waits re-check the registry.
	DefaultPollInterval = 100 * time.Millisecond
)

// ServiceStore is the registry surface the orchestrator needs.
type ServiceStore interface {
	Get(name string) (registry.ServiceDefinition, bool)
	UpdateStatus(ctx context.Context, name string, status servicecore.ServiceStatus) error
}

// Progress describes where a running sequence is.
type Progress struct {
	Index   int
	Total   int
	Phase   string
	Running bool
}

// Orchestrator runs a Plan against a ServiceStore, reporting every
// transition on the event bus.
type Orchestrator struct {
	plan     Plan
	services ServiceStore
	bus      servicecore.EventBus
	logger   servicecore.Logger
	tracer   trace.Tracer

	pollInterval time.Duration
	backoff      retry.Policy

	running atomic.Bool
	mu      sync.RWMutex
	current Progress
	last    *Report
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger servicecore.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = servicecore.LoggerOrNop(logger)
	}
}

// WithPollInterval sets how often dependency waits poll the registry.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithBackoff sets the default retry backoff. Attempt counts always come
// from each service's RetryAttempts.
func WithBackoff(p retry.Policy) Option {
	return func(o *Orchestrator) {
		o.backoff = p
	}
}

// WithTracerProvider sets the provider spans are created with. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		o.tracer = tp.Tracer(tracerName)
	}
}

// New validates plan and creates an orchestrator for it.
func New(plan Plan, services ServiceStore, bus servicecore.EventBus, opts ...Option) (*Orchestrator, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		plan:         plan,
		services:     services,
		bus:          bus,
		logger:       servicecore.NopLogger(),
		tracer:       otel.Tracer(tracerName),
		pollInterval: DefaultPollInterval,
		backoff:      retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, w := range plan.Warnings() {
		o.logger.Warn("Startup plan warning", "detail", w)
	}
	return o, nil
}

// Plan returns the plan the orchestrator runs.
func (o *Orchestrator) Plan() Plan {
	return o.plan
}

// Progress reports the phase currently executing.
func (o *Orchestrator) Progress() Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// LastReport returns the report of the most recent Run, or nil.
func (o *Orchestrator) LastReport() *Report {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// Run executes every phase in declared order. A phase only begins after
// the previous one resolved. A critical service exhausting its attempts
// aborts the sequence with an error wrapping
// servicecore.ErrCriticalServiceFailure; non-critical failures are recorded
// in the report and the sequence continues.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, servicecore.ErrStartupAlreadyRunning
	}
	defer o.running.Store(false)

	ctx, span := o.tracer.Start(ctx, "startup.sequence",
		trace.WithAttributes(attribute.Int("startup.phases", len(o.plan.Phases))))
	defer span.End()

	report := &Report{StartedAt: time.Now()}
	o.logger.Info("Startup sequence beginning", "phases", len(o.plan.Phases))

	var runErr error
	for i, phase := range o.plan.Phases {
		o.setProgress(Progress{Index: i, Total: len(o.plan.Phases), Phase: phase.Name, Running: true})

		pr, err := o.runPhase(ctx, phase)
		report.Phases = append(report.Phases, pr)
		if err != nil {
			runErr = err
			break
		}
	}

	report.Duration = time.Since(report.StartedAt)
	report.Err = runErr
	o.setProgress(Progress{Index: len(report.Phases), Total: len(o.plan.Phases)})
	o.mu.Lock()
	o.last = report
	o.mu.Unlock()

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		o.logger.Error("Startup sequence aborted", "error", runErr, "duration", report.Duration)
	} else {
		o.logger.Info("Startup sequence complete", "duration", report.Duration, "failed", report.Failed())
	}

	o.emit(ctx, servicecore.EventSequenceComplete, servicecore.SequencePayload{
		Phases:    len(report.Phases),
		Started:   report.Started(),
		Failed:    report.Failed(),
		Duration:  report.Duration,
		Success:   runErr == nil,
		Timestamp: time.Now(),
	})
	return report, runErr
}

func (o *Orchestrator) setProgress(p Progress) {
	o.mu.Lock()
	o.current = p
	o.mu.Unlock()
}

// runPhase starts the services of one phase and resolves once all of them
// settled or a critical failure aborted the phase.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase) (PhaseReport, error) {
	ctx, span := o.tracer.Start(ctx, "startup.phase",
		trace.WithAttributes(
			attribute.String("startup.phase", phase.Name),
			attribute.Bool("startup.parallel", phase.Parallel),
			attribute.StringSlice("startup.services", phase.Services),
		))
	defer span.End()

	started := time.Now()
	o.logger.Info("Starting phase", "phase", phase.Name, "services", len(phase.Services), "parallel", phase.Parallel)
	o.emit(ctx, servicecore.EventPhaseStarted, servicecore.PhasePayload{
		PhaseName: phase.Name,
		Services:  phase.Services,
		Parallel:  phase.Parallel,
		Timestamp: started,
	})

	phaseCtx := ctx
	if phase.Timeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, phase.Timeout)
		defer cancel()
	}

	var (
		results []ServiceResult
		err     error
	)
	if phase.Parallel {
		results, err = o.startParallel(phaseCtx, phase)
	} else {
		results, err = o.startSequential(phaseCtx, phase)
	}

	pr := PhaseReport{
		Name:     phase.Name,
		Parallel: phase.Parallel,
		Services: results,
		Duration: time.Since(started),
		Err:      err,
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Phase failed", "phase", phase.Name, "error", err, "duration", pr.Duration)
		o.emit(ctx, servicecore.EventPhaseFailed, servicecore.PhasePayload{
			PhaseName: phase.Name,
			Services:  phase.Services,
			Parallel:  phase.Parallel,
			Duration:  pr.Duration,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		return pr, fmt.Errorf("phase %q: %w", phase.Name, err)
	}

	o.logger.Info("Phase completed", "phase", phase.Name, "duration", pr.Duration)
	o.emit(ctx, servicecore.EventPhaseCompleted, servicecore.PhasePayload{
		PhaseName: phase.Name,
		Services:  phase.Services,
		Parallel:  phase.Parallel,
		Duration:  pr.Duration,
		Timestamp: time.Now(),
	})
	return pr, nil
}

// startParallel fans out one start per service. The first critical failure
// cancels the remaining starts.
func (o *Orchestrator) startParallel(ctx context.Context, phase Phase) ([]ServiceResult, error) {
	results := make([]ServiceResult, len(phase.Services))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range phase.Services {
		g.Go(func() error {
			results[i] = o.startService(gctx, phase, name)
			if results[i].Critical && results[i].Err != nil {
				return results[i].Err
			}
			return nil
		})
	}
	return results, g.Wait()
}

// startSequential starts services one at a time and stops at the first
// critical failure.
func (o *Orchestrator) startSequential(ctx context.Context, phase Phase) ([]ServiceResult, error) {
	results := make([]ServiceResult, 0, len(phase.Services))
	for _, name := range phase.Services {
		res := o.startService(ctx, phase, name)
		results = append(results, res)
		if res.Critical && res.Err != nil {
			return results, res.Err
		}
	}
	return results, nil
}

func (o *Orchestrator) emit(ctx context.Context, eventType string, data any) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(ctx, eventType, data, eventSource)
}

// isCancellation reports whether err only reflects the caller giving up.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

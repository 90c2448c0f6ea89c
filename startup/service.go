package startup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/servicecore"
	"github.com/GoCodeAlone/servicecore/retry"
)

// startService runs the full start procedure for one service: dependency
// wait, start attempts under the retry policy, then status bookkeeping.
// Failures are returned inside the result, never as a panic or a bare error.
func (o *Orchestrator) startService(ctx context.Context, phase Phase, name string) ServiceResult {
	def, registered := o.services.Get(name)
	dep := o.plan.dependencyFor(name, phase, def.Dependencies)

	ctx, span := o.tracer.Start(ctx, "startup.service",
		trace.WithAttributes(
			attribute.String("startup.service", name),
			attribute.Bool("startup.critical", dep.Critical),
		))
	defer span.End()

	res := ServiceResult{Name: name, Critical: dep.Critical}
	started := time.Now()
	defer func() {
		res.Duration = time.Since(started)
		span.SetAttributes(attribute.Int("startup.attempts", res.Attempts))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
	}()

	if !registered {
		res.Err = o.fail(ctx, phase, dep, 0, fmt.Errorf("%w: %s", servicecore.ErrServiceNotFound, name))
		return res
	}
	if def.Status == servicecore.StatusRunning {
		o.logger.Debug("Service already running, skipping start", "service", name, "phase", phase.Name)
		res.Started = true
		return res
	}

	warnings, err := o.waitForDependencies(ctx, dep)
	res.SkippedDependencies = warnings
	if err != nil {
		res.Err = o.fail(ctx, phase, dep, 0, err)
		return res
	}

	ctx, cancel := startContext(ctx)
	defer cancel()

	policy := o.backoff
	if dep.Retry != nil {
		policy = *dep.Retry
	}
	policy = policy.WithRetries(dep.RetryAttempts)

	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		o.logger.Debug("Starting service", "service", name, "attempt", attempt)
		return o.startOnce(ctx, name, def.Instance, dep.Timeout)
	}, func(attempt int, err error, next time.Duration) {
		o.logger.Warn("Service start failed, retrying", "service", name, "attempt", attempt, "error", err, "backoff", next)
	})
	res.Attempts = attempts
	if err != nil {
		res.Err = o.fail(ctx, phase, dep, attempts, err)
		return res
	}

	if err := o.markRunning(ctx, name); err != nil {
		res.Err = o.fail(ctx, phase, dep, attempts, err)
		return res
	}
	res.Started = true
	o.logger.Info("Service started", "service", name, "phase", phase.Name, "attempts", attempts)
	o.emit(ctx, servicecore.EventServiceStarted, servicecore.ServiceStartPayload{
		ServiceName: name,
		PhaseName:   phase.Name,
		Attempts:    attempts,
		Critical:    dep.Critical,
		Duration:    time.Since(started),
		Timestamp:   time.Now(),
	})
	return res
}

func (o *Orchestrator) markRunning(ctx context.Context, name string) error {
	if err := o.services.UpdateStatus(ctx, name, servicecore.StatusInitialized); err != nil {
		return err
	}
	return o.services.UpdateStatus(ctx, name, servicecore.StatusRunning)
}

// fail records an exhausted start: status error, a startup.service_failed
// event, and a *servicecore.ServiceFailure for the caller.
func (o *Orchestrator) fail(ctx context.Context, phase Phase, dep Dependency, attempts int, cause error) error {
	failure := &servicecore.ServiceFailure{
		Service:  dep.ServiceName,
		Phase:    phase.Name,
		Attempts: attempts,
		Critical: dep.Critical,
		Cause:    cause,
	}

	if _, ok := o.services.Get(dep.ServiceName); ok {
		if err := o.services.UpdateStatus(ctx, dep.ServiceName, servicecore.StatusError); err != nil {
			o.logger.Warn("Could not mark service as failed", "service", dep.ServiceName, "error", err)
		}
	}

	if dep.Critical {
		o.logger.Error("Critical service failed", "service", dep.ServiceName, "phase", phase.Name, "attempts", attempts, "error", cause)
	} else {
		o.logger.Warn("Non-critical service failed, continuing", "service", dep.ServiceName, "phase", phase.Name, "attempts", attempts, "error", cause)
	}

	o.emit(ctx, servicecore.EventServiceFailed, servicecore.ServiceStartPayload{
		ServiceName: dep.ServiceName,
		PhaseName:   phase.Name,
		Attempts:    attempts,
		Critical:    dep.Critical,
		Error:       cause.Error(),
		Timestamp:   time.Now(),
	})
	return failure
}

// waitForDependencies polls until every dependency is running, a
// dependency reached a terminal status, or the service timeout (bounded by
// the phase deadline) elapsed. Unready critical dependencies fail the
// start; unready non-critical ones are returned as warnings.
func (o *Orchestrator) waitForDependencies(ctx context.Context, dep Dependency) ([]string, error) {
	if len(dep.Dependencies) == 0 {
		return nil, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, dep.Timeout)
	defer cancel()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		pending, settled := o.unready(dep.Dependencies)
		if len(pending) == 0 || settled {
			return o.classifyUnready(dep, pending)
		}
		select {
		case <-waitCtx.Done():
			return o.classifyUnready(dep, pending)
		case <-ticker.C:
		}
	}
}

// unready lists dependencies that are not running. settled is true when
// none of them can still become running without outside intervention.
func (o *Orchestrator) unready(deps []string) (pending []string, settled bool) {
	settled = true
	for _, d := range deps {
		def, ok := o.services.Get(d)
		if ok && def.Status == servicecore.StatusRunning {
			continue
		}
		pending = append(pending, d)
		if ok && def.Status != servicecore.StatusError && def.Status != servicecore.StatusStopped {
			settled = false
		}
	}
	return pending, settled
}

func (o *Orchestrator) classifyUnready(dep Dependency, pending []string) ([]string, error) {
	var critical, soft []string
	for _, d := range pending {
		if o.plan.IsCritical(d) {
			critical = append(critical, d)
		} else {
			soft = append(soft, d)
		}
	}
	if len(critical) > 0 {
		return soft, fmt.Errorf("%w: %s waiting on %v", servicecore.ErrDependencyNotReady, dep.ServiceName, critical)
	}
	if len(soft) > 0 {
		o.logger.Warn("Proceeding without non-critical dependencies", "service", dep.ServiceName, "unready", soft)
	}
	return soft, nil
}

// startContext derives the context start attempts run under. It keeps the
// values and explicit cancellation of parent but not its deadline: the phase
// deadline bounds dependency waits, each attempt is bounded by its own
// service timeout.
func startContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		if !errors.Is(parent.Err(), context.DeadlineExceeded) {
			cancel(context.Cause(parent))
		}
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// startOnce runs one start attempt bounded by timeout. When the deadline
// passes the attempt context is cancelled; an initializer that ignores the
// cancellation is abandoned and the attempt reported as timed out. A done
// parent context stops further retries.
func (o *Orchestrator) startOnce(ctx context.Context, name string, instance any, timeout time.Duration) error {
	init, ok := instance.(servicecore.Initializer)
	if !ok {
		return nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("Service initializer panicked", "service", name, "panic", r, "stack", string(debug.Stack()))
				done <- fmt.Errorf("%w: %v", servicecore.ErrPanicRecovered, r)
			}
		}()
		done <- init.Initialize(attemptCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && attemptCtx.Err() != nil && isCancellation(err) {
			return &servicecore.TimeoutError{Operation: "start", Service: name, Timeout: timeout.String()}
		}
		if err != nil && ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return retry.Permanent(fmt.Errorf("start %s: %w", name, context.Cause(ctx)))
		}
		return &servicecore.TimeoutError{Operation: "start", Service: name, Timeout: timeout.String()}
	}
}

// RestartService stops name if it is running and starts it again with its
// plan rules. It is used by recovery to act on service.restart.request.
func (o *Orchestrator) RestartService(ctx context.Context, name string) error {
	def, ok := o.services.Get(name)
	if !ok {
		return fmt.Errorf("startup: restart %q: %w", name, servicecore.ErrServiceNotFound)
	}

	if def.Status == servicecore.StatusRunning || def.Status == servicecore.StatusInitialized {
		if d, ok := def.Instance.(servicecore.Destroyer); ok {
			if err := d.Destroy(ctx); err != nil {
				o.logger.Warn("Destroy before restart failed", "service", name, "error", err)
			}
		}
		if err := o.services.UpdateStatus(ctx, name, servicecore.StatusStopped); err != nil {
			return fmt.Errorf("startup: restart %q: %w", name, err)
		}
	}

	phase := o.phaseOf(name)
	o.logger.Info("Restarting service", "service", name, "phase", phase.Name)
	res := o.startService(ctx, phase, name)
	return res.Err
}

// phaseOf returns the phase that starts name, or a synthetic restart phase.
func (o *Orchestrator) phaseOf(name string) Phase {
	for _, ph := range o.plan.Phases {
		if slices.Contains(ph.Services, name) {
			return ph
		}
	}
	return Phase{Name: "restart", Services: []string{name}}
}

package recovery

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/servicecore"
)

const (
	// DefaultPlanHistoryLimit bounds the executed plans kept for PlanStats.
	DefaultPlanHistoryLimit = 50

	// DefaultStepTimeout applies to steps declared without a timeout.
	DefaultStepTimeout = 10 * time.Second

	// DefaultVerifyInterval is how often the verify step polls the registry.
	DefaultVerifyInterval = 100 * time.Millisecond
)

// Step names of the built-in plans.
const (
	StepHealthCheck    = "Service Health Check"
	StepRestartService = "Restart Service"
	StepVerifyRecovery = "Verify Recovery"
	StepStopAll        = "Stop All Services"
	StepClearState     = "Clear System State"
	StepRestartCore    = "Restart Core Services"
)

const emergencyPlanTarget = "system"

// Priority orders recovery plans.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityFor maps an error severity to a plan priority.
func PriorityFor(severity servicecore.Severity) Priority {
	switch severity {
	case servicecore.SeverityCritical:
		return PriorityCritical
	case servicecore.SeverityHigh:
		return PriorityHigh
	case servicecore.SeverityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Step is one action of a plan. Dependencies name earlier steps that must
// have completed; Rollback undoes the action when a later step fails.
type Step struct {
	Name         string
	Action       func(ctx context.Context) error
	Rollback     func(ctx context.Context) error
	Timeout      time.Duration
	Dependencies []string
}

func (s Step) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultStepTimeout
}

// Plan is an ordered list of steps for one service or for the whole system.
type Plan struct {
	ID            string
	ServiceName   string
	Steps         []Step
	Priority      Priority
	EstimatedTime time.Duration
	SuccessRate   float64
	CreatedAt     time.Time
}

// PlanRecord is the history entry of an executed plan.
type PlanRecord struct {
	PlanID        string        `json:"planId"`
	ServiceName   string        `json:"serviceName"`
	Priority      Priority      `json:"priority"`
	Success       bool          `json:"success"`
	ExecutedSteps []string      `json:"executedSteps"`
	RolledBack    []string      `json:"rolledBack,omitempty"`
	FailedStep    string        `json:"failedStep,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	Duration      time.Duration `json:"duration"`
}

// PlanStats aggregates the plan history.
type PlanStats struct {
	Total           int           `json:"total"`
	SuccessRate     float64       `json:"successRate"`
	AverageDuration time.Duration `json:"averageDuration"`
	Active          int           `json:"active"`
}

// AddPlan registers a plan as active so it can be executed by id. A
// missing id is generated.
func (e *Engine) AddPlan(plan Plan) Plan {
	if plan.ID == "" {
		plan.ID = "recovery-" + servicecore.NewID()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = e.now()
	}
	if plan.EstimatedTime == 0 {
		for _, s := range plan.Steps {
			plan.EstimatedTime += s.timeout()
		}
	}
	e.planMu.Lock()
	e.active[plan.ID] = &plan
	e.planMu.Unlock()
	return plan
}

// CreateServicePlan builds and registers the plan that checks, restarts and
// verifies one service, then announces it with recovery.plan_created.
func (e *Engine) CreateServicePlan(ctx context.Context, p servicecore.ErrorPayload) Plan {
	return e.createServicePlan(ctx, p, false)
}

// createServicePlan builds the service plan. With restarted set, the
// restart step leaves the service alone and the plan only verifies it.
func (e *Engine) createServicePlan(ctx context.Context, p servicecore.ErrorPayload, restarted bool) Plan {
	service := p.ServiceName
	severity := DetermineSeverity(p.Severity, p.Critical, p.ErrorType, p.Error)

	plan := e.AddPlan(Plan{
		ServiceName: service,
		Priority:    PriorityFor(severity),
		SuccessRate: e.historicalSuccessRate(service, 0.85),
		Steps: []Step{
			{
				Name:    StepHealthCheck,
				Action:  func(context.Context) error { return e.checkRegistered(service) },
				Timeout: 5 * time.Second,
			},
			{
				Name: StepRestartService,
				Action: func(ctx context.Context) error {
					if restarted {
						e.logger.Debug("Service already restarted for this error", "service", service)
						return nil
					}
					if e.restart != nil {
						return e.restart(ctx, service)
					}
					e.bus.Emit(ctx, servicecore.EventServiceRestartRequest, servicecore.RestartRequestPayload{
						ServiceName: service,
						Reason:      "error_recovery",
						Timestamp:   e.now(),
					}, eventSource)
					return nil
				},
				Rollback: func(context.Context) error {
					e.logger.Info("Rolling back service restart", "service", service)
					return nil
				},
				Timeout: 10 * time.Second,
			},
			{
				Name:         StepVerifyRecovery,
				Action:       func(ctx context.Context) error { return e.waitRunning(ctx, service) },
				Timeout:      15 * time.Second,
				Dependencies: []string{StepRestartService},
			},
		},
	})

	e.logger.Info("Recovery plan created", "plan", plan.ID, "service", service, "priority", plan.Priority)
	e.bus.Emit(ctx, servicecore.EventRecoveryPlanCreated, planPayload(plan), eventSource)
	return plan
}

// CreateEmergencyPlan builds and registers the system-wide plan: stop
// everything, clear state, restart the core services.
func (e *Engine) CreateEmergencyPlan(ctx context.Context, p servicecore.ErrorPayload) Plan {
	emitStep := func(name, eventType string, timeout time.Duration, deps ...string) Step {
		return Step{
			Name: name,
			Action: func(ctx context.Context) error {
				e.bus.Emit(ctx, eventType, servicecore.SystemActionPayload{
					ServiceName: p.ServiceName,
					Reason:      p.Error,
					Timestamp:   e.now(),
				}, eventSource)
				return nil
			},
			Timeout:      timeout,
			Dependencies: deps,
		}
	}

	plan := e.AddPlan(Plan{
		ID:          "emergency-" + servicecore.NewID(),
		ServiceName: emergencyPlanTarget,
		Priority:    PriorityCritical,
		SuccessRate: e.historicalSuccessRate(emergencyPlanTarget, 0.75),
		Steps: []Step{
			emitStep(StepStopAll, servicecore.EventEmergencyStop, 5*time.Second),
			emitStep(StepClearState, servicecore.EventClearState, 3*time.Second),
			emitStep(StepRestartCore, servicecore.EventRestartCore, 15*time.Second, StepStopAll, StepClearState),
		},
	})
	e.bus.Emit(ctx, servicecore.EventRecoveryPlanCreated, planPayload(plan), eventSource)
	return plan
}

func (e *Engine) checkRegistered(service string) error {
	if e.services == nil {
		return nil
	}
	if _, ok := e.services.Get(service); !ok {
		return fmt.Errorf("%w: %s", servicecore.ErrServiceNotFound, service)
	}
	return nil
}

// waitRunning polls the registry until service is running or ctx is done.
func (e *Engine) waitRunning(ctx context.Context, service string) error {
	if e.services == nil {
		return nil
	}
	ticker := time.NewTicker(e.verifyInterval)
	defer ticker.Stop()
	for {
		if def, ok := e.services.Get(service); ok && def.Status == servicecore.StatusRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("service %s did not return to running: %w", service, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ExecutePlan runs the steps of an active plan strictly in order. A step
// with unmet dependencies or a failing step rolls back every completed step
// in reverse order. The plan then moves to the bounded history.
func (e *Engine) ExecutePlan(ctx context.Context, planID string) (PlanRecord, error) {
	e.planMu.Lock()
	plan, ok := e.active[planID]
	if !ok {
		e.planMu.Unlock()
		e.logger.Error("Recovery plan not found", "plan", planID)
		return PlanRecord{}, fmt.Errorf("%w: %s", servicecore.ErrPlanNotFound, planID)
	}
	if e.executing[planID] {
		e.planMu.Unlock()
		return PlanRecord{}, fmt.Errorf("%w: %s", servicecore.ErrPlanAlreadyActive, planID)
	}
	e.executing[planID] = true
	e.planMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "recovery.plan", trace.WithAttributes(
		attribute.String("recovery.plan_id", plan.ID),
		attribute.String("recovery.service", plan.ServiceName),
		attribute.String("recovery.priority", string(plan.Priority)),
	))
	defer span.End()

	e.logger.Info("Executing recovery plan", "plan", plan.ID, "service", plan.ServiceName)
	e.bus.Emit(ctx, servicecore.EventRecoveryPlanStarted, planPayload(*plan), eventSource)

	rec, err := e.runPlan(ctx, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("Recovery plan failed", "plan", plan.ID, "step", rec.FailedStep, "error", err)
	} else {
		e.logger.Info("Recovery plan completed", "plan", plan.ID, "duration", rec.Duration)
	}

	e.planMu.Lock()
	delete(e.active, planID)
	delete(e.executing, planID)
	e.history = append(e.history, rec)
	if over := len(e.history) - e.historyLimit; over > 0 {
		e.history = slices.Delete(e.history, 0, over)
	}
	e.planMu.Unlock()

	payload := planPayload(*plan)
	payload.Success = &rec.Success
	payload.ExecutedSteps = rec.ExecutedSteps
	payload.Error = rec.Error
	e.bus.Emit(ctx, servicecore.EventRecoveryPlanCompleted, payload, eventSource)

	if err != nil {
		return rec, fmt.Errorf("recovery plan %s: %w", plan.ID, err)
	}
	return rec, nil
}

func (e *Engine) runPlan(ctx context.Context, plan *Plan) (PlanRecord, error) {
	rec := PlanRecord{
		PlanID:        plan.ID,
		ServiceName:   plan.ServiceName,
		Priority:      plan.Priority,
		ExecutedSteps: []string{},
		StartedAt:     e.now(),
	}
	start := time.Now()

	var failure error
	for _, step := range plan.Steps {
		if missing := slices.DeleteFunc(slices.Clone(step.Dependencies), func(dep string) bool {
			return slices.Contains(rec.ExecutedSteps, dep)
		}); len(missing) > 0 {
			failure = fmt.Errorf("%w: step %q needs %v", servicecore.ErrStepDependencyUnmet, step.Name, missing)
			rec.FailedStep = step.Name
			break
		}

		e.logger.Debug("Executing recovery step", "plan", plan.ID, "step", step.Name)
		if err := runStep(ctx, step); err != nil {
			failure = err
			rec.FailedStep = step.Name
			break
		}
		rec.ExecutedSteps = append(rec.ExecutedSteps, step.Name)
	}

	if failure == nil {
		rec.Success = true
		rec.Duration = time.Since(start)
		return rec, nil
	}

	rec.Error = failure.Error()
	rec.RolledBack = e.rollback(ctx, plan, rec.ExecutedSteps)
	rec.Duration = time.Since(start)
	return rec, failure
}

// rollback undoes executed steps in reverse order. Rollback errors are
// logged and do not stop the remaining rollbacks.
func (e *Engine) rollback(ctx context.Context, plan *Plan, executed []string) []string {
	var rolledBack []string
	for _, name := range slices.Backward(executed) {
		idx := slices.IndexFunc(plan.Steps, func(s Step) bool { return s.Name == name })
		if idx < 0 || plan.Steps[idx].Rollback == nil {
			continue
		}
		step := plan.Steps[idx]
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), step.timeout())
		err := callStep(rctx, step.Rollback)
		cancel()
		if err != nil {
			e.logger.Error("Rollback failed", "plan", plan.ID, "step", name, "error", err)
			continue
		}
		rolledBack = append(rolledBack, name)
	}
	return rolledBack
}

// runStep bounds the step action by its timeout. The action's context is
// cancelled when the timeout fires.
func runStep(ctx context.Context, step Step) error {
	sctx, cancel := context.WithTimeout(ctx, step.timeout())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- callStep(sctx, step.Action)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %s: %w", servicecore.ErrStepFailed, step.Name, err)
		}
		return nil
	case <-sctx.Done():
		return fmt.Errorf("%w: %s: %w", servicecore.ErrStepFailed, step.Name, sctx.Err())
	}
}

func callStep(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", servicecore.ErrPanicRecovered, r)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func planPayload(p Plan) servicecore.PlanPayload {
	return servicecore.PlanPayload{
		PlanID:        p.ID,
		ServiceName:   p.ServiceName,
		Priority:      string(p.Priority),
		EstimatedTime: p.EstimatedTime,
		Timestamp:     p.CreatedAt,
	}
}

// ActivePlans returns the plans not yet executed.
func (e *Engine) ActivePlans() []Plan {
	e.planMu.Lock()
	defer e.planMu.Unlock()
	out := make([]Plan, 0, len(e.active))
	for _, p := range e.active {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Plan) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// PlanHistory returns up to limit executed plans, oldest first.
func (e *Engine) PlanHistory(limit int) []PlanRecord {
	e.planMu.Lock()
	defer e.planMu.Unlock()
	out := e.history
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return slices.Clone(out)
}

// PlanStats aggregates the plan history.
func (e *Engine) PlanStats() PlanStats {
	e.planMu.Lock()
	defer e.planMu.Unlock()
	s := PlanStats{Total: len(e.history), Active: len(e.active)}
	if s.Total == 0 {
		return s
	}
	var ok int
	var total time.Duration
	for _, r := range e.history {
		if r.Success {
			ok++
		}
		total += r.Duration
	}
	s.SuccessRate = float64(ok) / float64(s.Total)
	s.AverageDuration = total / time.Duration(s.Total)
	return s
}

func (e *Engine) historicalSuccessRate(service string, fallback float64) float64 {
	e.planMu.Lock()
	defer e.planMu.Unlock()
	var runs, ok int
	for _, r := range e.history {
		if r.ServiceName != service {
			continue
		}
		runs++
		if r.Success {
			ok++
		}
	}
	if runs == 0 {
		return fallback
	}
	return float64(ok) / float64(runs)
}

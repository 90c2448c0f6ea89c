package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/GoCodeAlone/servicecore"
)

var errUnexpectedPayload = errors.New("unexpected event payload")

// Start subscribes the engine to the error signals it handles. Calling
// Start twice is a no-op.
func (e *Engine) Start() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if len(e.subs) > 0 {
		return
	}

	for _, h := range []struct {
		eventType string
		handler   servicecore.EventHandler
	}{
		{servicecore.EventSystemError, e.onSystemError},
		{servicecore.EventServiceError, e.onServiceError},
		{servicecore.EventServiceFailed, e.onStartupFailure},
		{servicecore.EventSystemCriticalError, e.onCriticalError},
		{servicecore.EventRecoveryPlanRequested, e.onPlanRequested},
	} {
		id := e.bus.Subscribe(h.eventType, h.handler, servicecore.WithSource(eventSource))
		e.subs = append(e.subs, subscription{eventType: h.eventType, id: id})
	}
	e.logger.Info("Error recovery engine started", "strategies", len(e.Strategies()))
}

// Stop removes every subscription made by Start.
func (e *Engine) Stop() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, s := range e.subs {
		e.bus.Unsubscribe(s.eventType, s.id)
	}
	e.subs = nil
}

// errorPayloadFrom accepts an ErrorPayload, an error or a string.
func errorPayloadFrom(event servicecore.Event) (servicecore.ErrorPayload, error) {
	if p, ok := servicecore.PayloadAs[servicecore.ErrorPayload](event); ok {
		return p, nil
	}
	switch v := event.Data.(type) {
	case error:
		return servicecore.ErrorPayload{ServiceName: event.Source, Error: v.Error(), Timestamp: event.Time}, nil
	case string:
		return servicecore.ErrorPayload{ServiceName: event.Source, Error: v, Timestamp: event.Time}, nil
	}
	return servicecore.ErrorPayload{}, fmt.Errorf("%w for %s: %T", errUnexpectedPayload, event.Type, event.Data)
}

func (e *Engine) onSystemError(ctx context.Context, event servicecore.Event) error {
	p, err := errorPayloadFrom(event)
	if err != nil {
		return err
	}
	e.HandleError(ctx, p)
	return nil
}

func (e *Engine) onServiceError(ctx context.Context, event servicecore.Event) error {
	p, err := errorPayloadFrom(event)
	if err != nil {
		return err
	}
	if p.ErrorType == "" {
		p.ErrorType = servicecore.ErrorTypeService
	}
	out := e.HandleError(ctx, p)

	if !e.planRecovery {
		return nil
	}
	plan := e.createServicePlan(ctx, p, slices.Contains(out.Tried, StrategyServiceRestart))
	if plan.Priority != PriorityCritical {
		return nil
	}
	if _, err := e.ExecutePlan(ctx, plan.ID); err != nil {
		e.logger.Warn("Service recovery plan failed", "plan", plan.ID, "error", err)
	}
	return nil
}

func (e *Engine) onStartupFailure(ctx context.Context, event servicecore.Event) error {
	sp, ok := servicecore.PayloadAs[servicecore.ServiceStartPayload](event)
	if !ok {
		return fmt.Errorf("%w for %s: %T", errUnexpectedPayload, event.Type, event.Data)
	}
	severity := servicecore.SeverityHigh
	if sp.Critical {
		severity = servicecore.SeverityCritical
	}
	e.HandleError(ctx, servicecore.ErrorPayload{
		ServiceName: sp.ServiceName,
		Error:       sp.Error,
		ErrorType:   servicecore.ErrorTypeStartup,
		Severity:    severity,
		Critical:    sp.Critical,
		Timestamp:   sp.Timestamp,
	})
	return nil
}

func (e *Engine) onCriticalError(ctx context.Context, event servicecore.Event) error {
	p, err := errorPayloadFrom(event)
	if err != nil {
		return err
	}
	e.logger.Error("Critical system error detected", "service", p.ServiceName, "error", p.Error)
	plan := e.CreateEmergencyPlan(ctx, p)
	if _, err := e.ExecutePlan(ctx, plan.ID); err != nil {
		e.logger.Error("Emergency recovery plan failed", "plan", plan.ID, "error", err)
	}
	return nil
}

func (e *Engine) onPlanRequested(ctx context.Context, event servicecore.Event) error {
	req, ok := servicecore.PayloadAs[servicecore.PlanRequestPayload](event)
	if !ok {
		return fmt.Errorf("%w for %s: %T", errUnexpectedPayload, event.Type, event.Data)
	}
	if _, err := e.ExecutePlan(ctx, req.PlanID); err != nil && errors.Is(err, servicecore.ErrPlanNotFound) {
		return err
	}
	return nil
}

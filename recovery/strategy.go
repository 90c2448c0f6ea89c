package recovery

import (
	"context"
	"strings"
	"time"

	"github.com/GoCodeAlone/servicecore"
)

// Strategy is a named remediation for a class of errors. Execute returning
// nil counts as success. The engine never runs a strategy again inside its
// cooldown and never beyond MaxAttempts consecutive failures.
type Strategy struct {
	Name        string
	Applicable  func(ec servicecore.ErrorContext) bool
	Execute     func(ctx context.Context, ec servicecore.ErrorContext) error
	Cooldown    time.Duration
	MaxAttempts int
}

// StrategyState is the attempt bookkeeping of one strategy. It is keyed by
// strategy name so it survives across unrelated errors.
type StrategyState struct {
	Attempts      int       `json:"attempts"`
	LastAttempt   time.Time `json:"lastAttempt"`
	CooldownUntil time.Time `json:"cooldownUntil"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
}

func (s *StrategyState) available(st Strategy, now time.Time) bool {
	if st.MaxAttempts > 0 && s.Attempts >= st.MaxAttempts {
		return false
	}
	return !now.Before(s.CooldownUntil)
}

// Default strategy names.
const (
	StrategyServiceRestart      = "ServiceRestart"
	StrategyConfigurationReset  = "ConfigurationReset"
	StrategyCacheClearing       = "CacheClearing"
	StrategyGracefulDegradation = "GracefulDegradation"
)

// Restarter restarts one service and reports whether it came back.
type Restarter func(ctx context.Context, service string) error

// DefaultStrategies returns the built-in strategies in priority order. Each
// acts by emitting a request on bus; the host decides how to honor it.
// ServiceRestart calls restart instead when it is non-nil, so a restart
// that fails counts as a failed attempt.
func DefaultStrategies(bus servicecore.EventBus, restart Restarter) []Strategy {
	emit := func(eventType string, payload func(ec servicecore.ErrorContext) any) func(context.Context, servicecore.ErrorContext) error {
		return func(ctx context.Context, ec servicecore.ErrorContext) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			bus.Emit(ctx, eventType, payload(ec), eventSource)
			return nil
		}
	}

	return []Strategy{
		{
			Name: StrategyServiceRestart,
			Applicable: func(ec servicecore.ErrorContext) bool {
				return strings.Contains(string(ec.ErrorType), "service") && ec.Severity != servicecore.SeverityLow
			},
			Execute: restartAction(bus, restart),
			Cooldown:    30 * time.Second,
			MaxAttempts: 2,
		},
		{
			Name: StrategyConfigurationReset,
			Applicable: func(ec servicecore.ErrorContext) bool {
				t := string(ec.ErrorType)
				return strings.Contains(t, "config") || strings.Contains(t, "validation")
			},
			Execute: emit(servicecore.EventConfigResetRequest, func(ec servicecore.ErrorContext) any {
				return servicecore.SystemActionPayload{ServiceName: ec.ServiceName, Reason: "error_recovery", Timestamp: time.Now()}
			}),
			Cooldown:    time.Minute,
			MaxAttempts: 1,
		},
		{
			Name: StrategyCacheClearing,
			Applicable: func(ec servicecore.ErrorContext) bool {
				t := string(ec.ErrorType)
				return strings.Contains(t, "memory") || strings.Contains(t, "cache")
			},
			Execute: emit(servicecore.EventClearCache, func(ec servicecore.ErrorContext) any {
				return servicecore.SystemActionPayload{ServiceName: ec.ServiceName, Reason: "error_recovery", Timestamp: time.Now()}
			}),
			Cooldown:    15 * time.Second,
			MaxAttempts: 3,
		},
		{
			Name: StrategyGracefulDegradation,
			Applicable: func(ec servicecore.ErrorContext) bool {
				return ec.Severity == servicecore.SeverityCritical
			},
			Execute: emit(servicecore.EventDegradationMode, func(ec servicecore.ErrorContext) any {
				return servicecore.SystemActionPayload{ServiceName: ec.ServiceName, Level: "graceful", Reason: "error_recovery", Timestamp: time.Now()}
			}),
			Cooldown:    2 * time.Minute,
			MaxAttempts: 1,
		},
	}
}

// restartAction restarts through restart when set and falls back to a
// service.restart.request otherwise.
func restartAction(bus servicecore.EventBus, restart Restarter) func(context.Context, servicecore.ErrorContext) error {
	return func(ctx context.Context, ec servicecore.ErrorContext) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if restart != nil {
			return restart(ctx, ec.ServiceName)
		}
		bus.Emit(ctx, servicecore.EventServiceRestartRequest, servicecore.RestartRequestPayload{
			ServiceName: ec.ServiceName,
			Reason:      "error_recovery",
			Timestamp:   time.Now(),
		}, eventSource)
		return nil
	}
}

package servicecore

import (
	"errors"
	"fmt"
)

// Lifecycle errors
var (
	// Startup errors
	ErrStartupTimeout            = errors.New("startup timeout")
	ErrCriticalServiceFailure    = errors.New("critical service failure")
	ErrNonCriticalServiceFailure = errors.New("non-critical service failure")
	ErrDependencyNotReady        = errors.New("critical dependency not ready")
	ErrCircularDependency        = errors.New("circular dependency detected")
	ErrPhaseNameEmpty            = errors.New("phase name cannot be empty")
	ErrStartupAlreadyRunning     = errors.New("startup sequence already running")

	// Registry errors
	ErrServiceNameEmpty       = errors.New("service name cannot be empty")
	ErrServiceNotFound        = errors.New("service not found")
	ErrDuplicateRegistration  = errors.New("service already registered")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrServiceInstanceNil     = errors.New("service instance is nil")

	// Recovery errors
	ErrRecoveryExhausted     = errors.New("recovery strategies exhausted")
	ErrNoApplicableStrategy  = errors.New("no applicable recovery strategy")
	ErrPlanNotFound          = errors.New("recovery plan not found")
	ErrPlanAlreadyActive     = errors.New("recovery plan already executing")
	ErrStepDependencyUnmet   = errors.New("recovery step dependency not satisfied")
	ErrStepFailed            = errors.New("recovery step failed")
	ErrStrategyNameEmpty     = errors.New("strategy name cannot be empty")
	ErrStrategyAlreadyExists = errors.New("strategy already registered")

	// Boundary errors
	ErrPanicRecovered   = errors.New("panic recovered")
	ErrBoundaryCooldown = errors.New("error recovery cooling down")
	ErrBoundaryLimit    = errors.New("error recovery attempts exceeded")

	// Event errors
	ErrEventTypeEmpty = errors.New("event type cannot be empty")
	ErrHandlerNil     = errors.New("event handler cannot be nil")
)

// ServiceFailure describes a service that exhausted its start attempts. Its
// Unwrap chain contains ErrCriticalServiceFailure or
// ErrNonCriticalServiceFailure depending on Critical, plus the last cause.
type ServiceFailure struct {
	Service  string
	Phase    string
	Attempts int
	Critical bool
	Cause    error
}

func (e *ServiceFailure) Error() string {
	kind := "non-critical"
	if e.Critical {
		kind = "critical"
	}
	return fmt.Sprintf("%s service %q failed in phase %q after %d attempt(s): %v", kind, e.Service, e.Phase, e.Attempts, e.Cause)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *ServiceFailure) Unwrap() []error {
	sentinel := ErrNonCriticalServiceFailure
	if e.Critical {
		sentinel = ErrCriticalServiceFailure
	}
	return []error{sentinel, e.Cause}
}

// StateTransitionError reports a rejected status change.
type StateTransitionError struct {
	Subject string
	From    string
	To      string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move from %q to %q", e.Subject, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Operation string
	Service   string
	Timeout   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s for %q exceeded %s", e.Operation, e.Service, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrStartupTimeout
}

// IsCritical reports whether err carries the critical failure marker.
func IsCritical(err error) bool {
	return errors.Is(err, ErrCriticalServiceFailure)
}

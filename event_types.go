package servicecore

import "time"

// Event names. These strings are consumed by presentation code and must not
// change.
const (
	EventComponentInitialized = "component.initialized"
	EventComponentDestroyed   = "component.destroyed"

	EventServiceRegistered    = "service_registry.service_registered"
	EventServiceUnregistered  = "service_registry.service_unregistered"
	EventServiceStatusUpdated = "service_registry.status_updated"

	EventPhaseStarted     = "startup.phase_started"
	EventPhaseCompleted   = "startup.phase_completed"
	EventPhaseFailed      = "startup.phase_failed"
	EventServiceStarted   = "startup.service_started"
	EventServiceFailed    = "startup.service_failed"
	EventSequenceComplete = "startup.sequence_complete"

	EventHealthStatusUpdated = "health.status_updated"
	EventHealthCriticalAlert = "health.critical_alert"

	EventServiceError                = "service.error"
	EventServiceInitializationFailed = "service.initialization_failed"
	EventServiceErrorHandled         = "service.error.handled"
	EventServiceErrorEscalated       = "service.error.escalated"
	EventServiceRecoveryAttempt      = "service.recovery.attempt"
	EventServiceRestartRequest       = "service.restart.request"

	EventSystemError         = "system.error"
	EventSystemCriticalError = "system.critical_error"
	EventClearCache          = "system.clear_cache"
	EventDegradationMode     = "system.degradation_mode"
	EventEmergencyStop       = "system.emergency_stop"
	EventClearState          = "system.clear_state"
	EventRestartCore         = "system.restart_core"
	EventConfigResetRequest  = "config.reset_requested"
	EventConfigReloaded      = "config.reloaded"

	EventRecoveryPlanCreated   = "recovery.plan_created"
	EventRecoveryPlanRequested = "recovery.plan_requested"
	EventRecoveryPlanStarted   = "recovery.plan_started"
	EventRecoveryPlanCompleted = "recovery.plan_completed"
	EventErrorRecovered        = "error.recovered"
	EventErrorEscalated        = "error.escalated"
	EventUserNotification      = "user.notification"
)

// ComponentPayload accompanies component.initialized and component.destroyed.
type ComponentPayload struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceRegisteredPayload accompanies service_registry.service_registered
// and service_registry.service_unregistered.
type ServiceRegisteredPayload struct {
	ServiceName  string    `json:"serviceName"`
	Dependencies []string  `json:"dependencies"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatusUpdatedPayload accompanies service_registry.status_updated.
type StatusUpdatedPayload struct {
	ServiceName string        `json:"serviceName"`
	Status      ServiceStatus `json:"status"`
	Previous    ServiceStatus `json:"previous"`
	Timestamp   time.Time     `json:"timestamp"`
}

// PhasePayload accompanies the startup.phase_* events. Duration and Error
// are only set once the phase resolves.
type PhasePayload struct {
	PhaseName string        `json:"phaseName"`
	Services  []string      `json:"services"`
	Parallel  bool          `json:"parallel"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ServiceStartPayload accompanies startup.service_started and
// startup.service_failed.
type ServiceStartPayload struct {
	ServiceName string        `json:"serviceName"`
	PhaseName   string        `json:"phaseName"`
	Attempts    int           `json:"attempts"`
	Critical    bool          `json:"critical"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// SequencePayload accompanies startup.sequence_complete.
type SequencePayload struct {
	Phases    int           `json:"phases"`
	Started   []string      `json:"started"`
	Failed    []string      `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthPayload accompanies health.status_updated and health.critical_alert.
type HealthPayload struct {
	Summary        HealthSummary  `json:"summary"`
	ServiceResults []HealthResult `json:"serviceResults"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ErrorPayload is the payload of service.error, system.error,
// system.critical_error and service.initialization_failed.
type ErrorPayload struct {
	CorrelationID string    `json:"correlationId,omitempty"`
	ServiceName   string    `json:"serviceName"`
	Error         string    `json:"error"`
	ErrorType     ErrorType `json:"errorType,omitempty"`
	Severity      Severity  `json:"severity,omitempty"`
	Critical      bool      `json:"critical,omitempty"`
	StackTrace    string    `json:"stackTrace,omitempty"`
	UserAction    string    `json:"userAction,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrorHandledPayload accompanies service.error.handled.
type ErrorHandledPayload struct {
	ServiceName string    `json:"serviceName"`
	Error       string    `json:"error"`
	Recovered   bool      `json:"recovered"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorEscalatedPayload accompanies service.error.escalated.
type ErrorEscalatedPayload struct {
	ServiceName string         `json:"serviceName"`
	Error       string         `json:"error"`
	Timestamp   time.Time      `json:"timestamp"`
	Context     map[string]any `json:"context,omitempty"`
}

// RecoveryAttemptPayload accompanies service.recovery.attempt.
type RecoveryAttemptPayload struct {
	ServiceName string    `json:"serviceName"`
	Attempt     int       `json:"attempt"`
	Timestamp   time.Time `json:"timestamp"`
}

// RestartRequestPayload accompanies service.restart.request.
type RestartRequestPayload struct {
	ServiceName string    `json:"serviceName"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// SystemActionPayload accompanies the system.* remediation requests and
// config.reset_requested.
type SystemActionPayload struct {
	ServiceName string    `json:"serviceName,omitempty"`
	Level       string    `json:"level,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PlanPayload accompanies recovery.plan_created, plan_started and
// plan_completed. Success and ExecutedSteps are set on completion only.
type PlanPayload struct {
	PlanID        string        `json:"planId"`
	ServiceName   string        `json:"serviceName"`
	Priority      string        `json:"priority,omitempty"`
	EstimatedTime time.Duration `json:"estimatedTime,omitempty"`
	Success       *bool         `json:"success,omitempty"`
	ExecutedSteps []string      `json:"executedSteps,omitempty"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// PlanRequestPayload is the payload of recovery.plan_requested.
type PlanRequestPayload struct {
	PlanID string `json:"planId"`
}

// ErrorRecoveredPayload accompanies error.recovered.
type ErrorRecoveredPayload struct {
	ErrorContext     ErrorContext `json:"errorContext"`
	RecoveryStrategy string       `json:"recoveryStrategy"`
	Timestamp        time.Time    `json:"timestamp"`
}

// ErrorEscalationPayload accompanies error.escalated.
type ErrorEscalationPayload struct {
	ErrorContext       ErrorContext `json:"errorContext"`
	RecommendedActions []string     `json:"recommendedActions"`
	Timestamp          time.Time    `json:"timestamp"`
}

// NotificationPayload accompanies user.notification.
type NotificationPayload struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Actions   []string  `json:"actions"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigReloadedPayload accompanies config.reloaded.
type ConfigReloadedPayload struct {
	Path      string    `json:"path"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

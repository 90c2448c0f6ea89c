package servicecore

import (
	"runtime"
	"time"
)

// Severity grades an error for strategy selection and escalation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorType is the inferred category of an error.
type ErrorType string

const (
	ErrorTypeConnection    ErrorType = "connection_error"
	ErrorTypeConfiguration ErrorType = "configuration_error"
	ErrorTypeMemory        ErrorType = "memory_error"
	ErrorTypeService       ErrorType = "service_error"
	ErrorTypePermission    ErrorType = "permission_error"
	ErrorTypeGeneral       ErrorType = "general_error"
	ErrorTypeStartup       ErrorType = "startup_failure"
)

// SystemState is the snapshot captured alongside an error.
type SystemState struct {
	RunningServices int       `json:"runningServices"`
	TotalServices   int       `json:"totalServices"`
	MemoryUsage     uint64    `json:"memoryUsage"`
	Goroutines      int       `json:"goroutines"`
	Timestamp       time.Time `json:"timestamp"`
}

// CaptureSystemState fills in the process-level fields of a snapshot.
func CaptureSystemState(running, total int) SystemState {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SystemState{
		RunningServices: running,
		TotalServices:   total,
		MemoryUsage:     mem.HeapAlloc,
		Goroutines:      runtime.NumGoroutine(),
		Timestamp:       time.Now(),
	}
}

// ErrorContext is created for every error the recovery engine handles and
// is what strategies select on.
type ErrorContext struct {
	CorrelationID string       `json:"correlationId,omitempty"`
	ServiceName   string       `json:"serviceName"`
	ErrorType     ErrorType    `json:"errorType"`
	Severity      Severity     `json:"severity"`
	Message       string       `json:"message"`
	Critical      bool         `json:"critical,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	StackTrace    string       `json:"stackTrace,omitempty"`
	UserAction    string       `json:"userAction,omitempty"`
	SystemState   *SystemState `json:"systemState,omitempty"`
}

package servicecore

import (
	"fmt"
	"time"
)

// HealthLevel is the per-service outcome of a single health probe.
type HealthLevel int

const (
	// HealthLevelHealthy means the service is running and its probe passed.
	HealthLevelHealthy HealthLevel = iota

	// HealthLevelWarning means the service is running but its probe
	// reported a problem.
	HealthLevelWarning

	// HealthLevelCritical means the service is not running, or its probe
	// failed, panicked or timed out.
	HealthLevelCritical
)

// String returns the string representation of the level.
func (l HealthLevel) String() string {
	switch l {
	case HealthLevelHealthy:
		return "healthy"
	case HealthLevelWarning:
		return "warning"
	case HealthLevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the level by name in JSON and YAML output.
func (l HealthLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// SystemHealth is the aggregated health of all registered services.
type SystemHealth int

const (
	// SystemHealthy means every service is healthy.
	SystemHealthy SystemHealth = iota

	// SystemDegraded means strictly more than half of the services are healthy.
	SystemDegraded

	// SystemUnhealthy means half or fewer of the services are healthy.
	SystemUnhealthy
)

// String returns the string representation of the system health.
func (s SystemHealth) String() string {
	switch s {
	case SystemHealthy:
		return "healthy"
	case SystemDegraded:
		return "degraded"
	case SystemUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the system health by name.
func (s SystemHealth) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ClassifyHealth applies the aggregation rule: all healthy is healthy, more
// than half healthy is degraded, anything else (including exactly half) is
// unhealthy. A system with no services is unhealthy.
func ClassifyHealth(healthy, total int) SystemHealth {
	switch {
	case total == 0:
		return SystemUnhealthy
	case healthy == total:
		return SystemHealthy
	case healthy*2 > total:
		return SystemDegraded
	default:
		return SystemUnhealthy
	}
}

// HealthResult is the outcome of probing one service during one tick.
type HealthResult struct {
	ServiceName  string        `json:"serviceName"`
	Healthy      bool          `json:"healthy"`
	Level        HealthLevel   `json:"level"`
	Status       ServiceStatus `json:"status"`
	ResponseTime time.Duration `json:"responseTime"`
	Timestamp    time.Time     `json:"timestamp"`
	Error        string        `json:"error,omitempty"`
}

// HealthSummary aggregates the results of one tick.
type HealthSummary struct {
	Total               int           `json:"total"`
	Healthy             int           `json:"healthy"`
	Warning             int           `json:"warning"`
	Critical            int           `json:"critical"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	Status              SystemHealth  `json:"status"`
	CheckedAt           time.Time     `json:"checkedAt"`
}

// String returns a compact human readable summary.
func (s HealthSummary) String() string {
	return fmt.Sprintf("%s: %d/%d healthy, %d warning, %d critical", s.Status, s.Healthy, s.Total, s.Warning, s.Critical)
}

// Readiness is the combined startup verdict.
type Readiness string

const (
	ReadinessReady   Readiness = "ready"
	ReadinessPartial Readiness = "partial"
	ReadinessFailed  Readiness = "failed"
)

// ClassifyReadiness combines service counts with critical health issues.
// ready needs no failures, every expected service running and no critical
// issue. partial needs at least 80% running and at most one critical issue.
func ClassifyReadiness(running, failed, expected, critical int) Readiness {
	switch {
	case failed == 0 && running == expected && critical == 0:
		return ReadinessReady
	case running > 0 && running*5 >= expected*4 && critical <= 1:
		return ReadinessPartial
	default:
		return ReadinessFailed
	}
}

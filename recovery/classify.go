// Package recovery reacts to error signals on the event bus. The Engine
// classifies each error, tries the applicable strategies under their
// cooldown and attempt limits and escalates when none succeeds; it also
// builds and executes multi-step recovery plans with rollback. The
// Boundary is the catch-all that turns panics and stray errors into
// handled recovery requests.
package recovery

import (
	"strings"
	"time"

	"github.com/GoCodeAlone/servicecore"
)

type keywordRule struct {
	keywords  []string
	errorType servicecore.ErrorType
}

// first match wins
var typeRules = []keywordRule{
	{keywords: []string{"timeout", "connection"}, errorType: servicecore.ErrorTypeConnection},
	{keywords: []string{"config", "validation"}, errorType: servicecore.ErrorTypeConfiguration},
	{keywords: []string{"memory", "heap"}, errorType: servicecore.ErrorTypeMemory},
	{keywords: []string{"service", "start"}, errorType: servicecore.ErrorTypeService},
	{keywords: []string{"permission", "access"}, errorType: servicecore.ErrorTypePermission},
}

// Categorize infers the error type from a message.
func Categorize(message string) servicecore.ErrorType {
	msg := strings.ToLower(message)
	for _, rule := range typeRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.errorType
			}
		}
	}
	return servicecore.ErrorTypeGeneral
}

// DetermineSeverity returns explicit when set. Otherwise critical flags and
// startup failures are critical, and the message decides between critical,
// medium and low.
func DetermineSeverity(explicit servicecore.Severity, critical bool, errorType servicecore.ErrorType, message string) servicecore.Severity {
	if explicit != "" {
		return explicit
	}
	if critical || errorType == servicecore.ErrorTypeStartup {
		return servicecore.SeverityCritical
	}
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "critical"), strings.Contains(msg, "fatal"):
		return servicecore.SeverityCritical
	case strings.Contains(msg, "warning"), strings.Contains(msg, "timeout"):
		return servicecore.SeverityMedium
	default:
		return servicecore.SeverityLow
	}
}

// NewErrorContext classifies an error payload.
func NewErrorContext(p servicecore.ErrorPayload, now time.Time) servicecore.ErrorContext {
	name := p.ServiceName
	if name == "" {
		name = "unknown"
	}
	errType := p.ErrorType
	if errType == "" {
		errType = Categorize(p.Error)
	}
	return servicecore.ErrorContext{
		CorrelationID: p.CorrelationID,
		ServiceName:   name,
		ErrorType:     errType,
		Severity:      DetermineSeverity(p.Severity, p.Critical, errType, p.Error),
		Message:       p.Error,
		Critical:      p.Critical,
		Timestamp:     now,
		StackTrace:    p.StackTrace,
		UserAction:    p.UserAction,
	}
}

// RecommendedActions lists the remedial actions shown to a user when an
// error cannot be recovered automatically.
func RecommendedActions(ec servicecore.ErrorContext) []string {
	switch ec.ErrorType {
	case servicecore.ErrorTypeService, servicecore.ErrorTypeStartup:
		return []string{"Restart the application", "Check system resources"}
	case servicecore.ErrorTypeConfiguration:
		return []string{"Reset configuration to defaults", "Verify configuration files"}
	case servicecore.ErrorTypeConnection:
		return []string{"Check network connectivity", "Verify the remote endpoint is reachable"}
	case servicecore.ErrorTypeMemory:
		return []string{"Close other applications", "Restart the system"}
	case servicecore.ErrorTypePermission:
		return []string{"Check file and process permissions", "Run with the required privileges"}
	default:
		return []string{"Restart the application", "Check the logs for details"}
	}
}

// Package servicecore holds the shared vocabulary of the service lifecycle core:
// the logging contract, the error taxonomy, the service capability contract,
// event names and payloads, and the EventBus interface every component is
// injected with. Concrete behavior lives in the subpackages (eventbus,
// registry, startup, health, recovery, lifecycle, metrics, config and
// application).
package servicecore

import "log/slog"

// Logger defines the interface for structured logging used by every component.
// Arguments are key-value pairs:
//
//	logger.Info("Service started", "service", "database", "attempts", 2)
//
// *slog.Logger satisfies this interface directly, so hosts usually pass
// slog.Default() or a logger built on their own handler.
type Logger interface {
	// Info logs normal lifecycle progress such as phase transitions.
	Info(msg string, args ...any)

	// Error logs failures that were caught and handled, for example a
	// subscriber that panicked during Emit.
	Error(msg string, args ...any)

	// Warn logs unusual but tolerated conditions, for example proceeding
	// past an unready non-critical dependency.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics, typically disabled in production.
	Debug(msg string, args ...any)
}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return slog.New(slog.DiscardHandler)
}

// LoggerOrNop returns l, or a discarding logger when l is nil.
func LoggerOrNop(l Logger) Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// Package logger provides the structured logging facade used by every go-servobus package.
//
// The engine, transports and fault monitor only depend on the Logger interface, so applications
// can route bus diagnostics into whatever logging framework they already run. Two backends ship
// with the package: a log/slog backend (JSON, or a human readable console handler when the ENV
// environment variable is "development") and a zerolog backend.
//
// Log Levels:
//
//   - DebugLevel:  Per-transaction details (frames, retries). Very noisy at control-loop rates.
//   - InfoLevel:   Lifecycle events such as engine open/close.
//   - WarnLevel:   Degraded links, dropped poll ticks, slow fault subscribers.
//   - ErrorLevel:  Exhausted retries and transport failures.
//   - FatalLevel:  Unrecoverable start-up failures; the process exits.
package logger

// Level indicates the logging severity level.
type Level = int8

const (
	// DebugLevel logs are voluminous and usually disabled in production.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual human review.
	WarnLevel
	// ErrorLevel logs are high-priority. A healthy bus shouldn't generate any.
	ErrorLevel
	// FatalLevel logs a message, then calls os.Exit(1).
	FatalLevel
)

// Logger defines a common interface for structured logging.
type Logger interface {
	// Debug logs a message at DebugLevel with the given key-value pairs.
	Debug(msg string, keysAndValues ...any)
	// Info logs a message at InfoLevel with the given key-value pairs.
	Info(msg string, keysAndValues ...any)
	// Warn logs a message at WarnLevel with the given key-value pairs.
	Warn(msg string, keysAndValues ...any)
	// Error logs a message at ErrorLevel with the given key-value pairs.
	Error(msg string, keysAndValues ...any)
	// Fatal logs a message at FatalLevel, then calls os.Exit(1).
	Fatal(msg string, keysAndValues ...any)
	// With creates a child logger and adds structured context to it.
	// Key-values added to the child don't affect the parent, and vice versa.
	With(keyValues ...any) Logger
	// Level returns the minimum enabled level for this logger.
	Level() Level
	// SetLevel sets the minimum enabled level for this logger.
	SetLevel(level Level)
}

// ParseLevel maps a level name ("debug", "info", "warn", "error", "fatal") to a Level.
// The second result is false when the name is not recognised.
func ParseLevel(name string) (Level, bool) {
	switch name {
	case "debug", "DEBUG":
		return DebugLevel, true
	case "info", "INFO":
		return InfoLevel, true
	case "warn", "warning", "WARN":
		return WarnLevel, true
	case "error", "ERROR":
		return ErrorLevel, true
	case "fatal", "FATAL":
		return FatalLevel, true
	default:
		return InfoLevel, false
	}
}

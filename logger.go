package registrar

// Logger defines the interface for structured logging with key-value
// pairs. All registry and governance operations log through this
// interface, so embedding applications control how logs appear.
//
// The variadic arguments are alternating key-value pairs:
//
//	logger.Info("Implementation swapped", "component", "assets", "version", "2.0.0")
//
// This shape is directly compatible with slog, zap's SugaredLogger and
// similar structured logging libraries.
type Logger interface {
	// Info logs normal operational events such as installs and swaps.
	Info(msg string, args ...any)

	// Error logs failures that should be surfaced to operators.
	Error(msg string, args ...any)

	// Warn logs unusual conditions that don't fail the operation.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostic information.
	Debug(msg string, args ...any)
}

// NopLogger discards all log output. It is the default when no logger
// is supplied.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Debug(string, ...any) {}

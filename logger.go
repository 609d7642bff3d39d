package plume

import "log/slog"

// Logger is the structured logging interface the framework and its modules
// log through. Messages carry variadic key-value pairs:
//
//	logger.Info("service registered", "path", "todo")
//
// which keeps implementations compatible with slog, logrus, zap, and
// similar libraries. Applications inject their own implementation with
// WithLogger; the default adapts slog.Default.
type Logger interface {
	// Info logs normal application events such as service registration and
	// transport startup.
	Info(msg string, args ...any)

	// Error logs failures worth operator attention.
	Error(msg string, args ...any)

	// Warn logs recoverable or suspicious conditions.
	Warn(msg string, args ...any)

	// Debug logs verbose diagnostics such as per-dispatch traces.
	Debug(msg string, args ...any)
}

// NewSlogLogger adapts a *slog.Logger to the Logger interface. A nil
// argument adapts slog.Default.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }

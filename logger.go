package bililive

import "log/slog"

// Logger receives the client's structured log records as a message plus
// alternating key-value pairs. *slog.Logger satisfies it.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger is used when no LoggerOption is given.
func defaultLogger() Logger {
	return slog.Default()
}

// fieldLogger prefixes every call with a fixed set of key-value pairs.
type fieldLogger struct {
	l      Logger
	fields []any
}

// withFields returns a Logger that adds fields to every record.
func withFields(l Logger, fields ...any) Logger {
	if fl, ok := l.(*fieldLogger); ok {
		merged := make([]any, 0, len(fl.fields)+len(fields))
		merged = append(merged, fl.fields...)
		return &fieldLogger{l: fl.l, fields: append(merged, fields...)}
	}
	return &fieldLogger{l: l, fields: fields}
}

func (f *fieldLogger) args(args []any) []any {
	out := make([]any, 0, len(f.fields)+len(args))
	out = append(out, f.fields...)
	return append(out, args...)
}

func (f *fieldLogger) Debug(msg string, args ...any) { f.l.Debug(msg, f.args(args)...) }
func (f *fieldLogger) Info(msg string, args ...any)  { f.l.Info(msg, f.args(args)...) }
func (f *fieldLogger) Warn(msg string, args ...any)  { f.l.Warn(msg, f.args(args)...) }
func (f *fieldLogger) Error(msg string, args ...any) { f.l.Error(msg, f.args(args)...) }

package seeknet

import (
	"fmt"
	"log/slog"

	"github.com/sirupsen/logrus"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
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

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// NewLogrusLogger adapts a logrus logger or entry to Logger. Key-value pairs
// become logrus fields.
func NewLogrusLogger(l logrus.FieldLogger) Logger {
	return logrusLogger{l}
}

type logrusLogger struct {
	entry logrus.FieldLogger
}

func (l logrusLogger) Debug(msg string, args ...any) {
	l.with(args).Debug(msg)
}

func (l logrusLogger) Info(msg string, args ...any) {
	l.with(args).Info(msg)
}

func (l logrusLogger) Warn(msg string, args ...any) {
	l.with(args).Warn(msg)
}

func (l logrusLogger) Error(msg string, args ...any) {
	l.with(args).Error(msg)
}

func (l logrusLogger) with(args []any) *logrus.Entry {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			// same key slog uses for a dangling value
			fields["!BADKEY"] = args[i]
			break
		}
		fields[fmt.Sprint(args[i])] = args[i+1]
	}
	return l.entry.WithFields(fields)
}

// Package logger provides structured logging for the client core.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry with component context.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger for the named component at the given level.
// Unknown levels fall back to info.
func New(name, level string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	return &Logger{entry: l.WithField("component", name)}
}

// NewDefault creates an info-level logger for the named component.
func NewDefault(name string) *Logger {
	return New(name, "info")
}

// NewNop creates a logger that discards all output. Useful in tests.
func NewNop() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

// WithField returns a logger with an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// Debug logs at debug level.
func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }

// Info logs at info level.
func (l *Logger) Info(args ...interface{}) { l.entry.Info(args...) }

// Warn logs at warn level.
func (l *Logger) Warn(args ...interface{}) { l.entry.Warn(args...) }

// Error logs at error level.
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

// Infof logs a formatted message at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Warnf logs a formatted message at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

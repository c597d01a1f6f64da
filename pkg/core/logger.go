package core

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides leveled logging capabilities
// This abstraction allows swapping logging implementations
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})

	// WithField returns a Logger that attaches key=value to every entry
	WithField(key string, value interface{}) Logger
}

// LoggerOptions configures the logrus-backed logger
type LoggerOptions struct {
	Level  string    // debug, info, warn, error (default info)
	Format string    // text or json (default text)
	Output io.Writer // default os.Stderr
}

// logrusLogger implements Logger on top of a logrus entry
type logrusLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger creates a text logger at info level writing to stderr
func NewDefaultLogger() Logger {
	return NewLogger(LoggerOptions{})
}

// NewJSONLogger creates a JSON logger at info level writing to stderr
func NewJSONLogger() Logger {
	return NewLogger(LoggerOptions{Format: "json"})
}

// NewLogger creates a logger from options
func NewLogger(opts LoggerOptions) Logger {
	l := logrus.New()
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}
	if strings.EqualFold(opts.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() Logger {
	return NewLogger(LoggerOptions{Output: io.Discard, Level: "panic"})
}

func (l *logrusLogger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) Warn(args ...interface{}) { l.entry.Warn(args...) }

func (l *logrusLogger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *logrusLogger) Info(args ...interface{}) { l.entry.Info(args...) }

func (l *logrusLogger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *logrusLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LevelDebug is the debug log level
	LevelDebug LogLevel = iota
	// LevelInfo is the info log level
	LevelInfo
	// LevelWarn is the warning log level
	LevelWarn
	// LevelError is the error log level
	LevelError
)

// Fields is an alias so callers do not need to import logrus directly.
type Fields = logrus.Fields

var (
	currentLevel LogLevel
	levelOnce    sync.Once

	logger = newLogger(os.Stderr)
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.DebugLevel)
	setFormat(l, os.Getenv("LOG_FORMAT"))
	return l
}

func setFormat(l *logrus.Logger, format string) {
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Configure re-reads DEBUG, LOG_LEVEL and LOG_FORMAT. The CLI calls it after
// loading a .env file.
func Configure() {
	initLevel()
	currentLevel = parseLevel(os.Getenv("DEBUG"), os.Getenv("LOG_LEVEL"))
	setFormat(logger, os.Getenv("LOG_FORMAT"))
}

// parseLevel maps DEBUG / LOG_LEVEL values onto a LogLevel.
func parseLevel(debug, level string) LogLevel {
	switch strings.ToLower(debug) {
	case "1", "true", "yes", "on":
		return LevelDebug
	}

	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// initLevel initializes the log level from environment variables
func initLevel() {
	levelOnce.Do(func() {
		currentLevel = parseLevel(os.Getenv("DEBUG"), os.Getenv("LOG_LEVEL"))
	})
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	initLevel()
	return currentLevel
}

// SetLevel overrides the level derived from the environment.
func SetLevel(level LogLevel) {
	initLevel()
	currentLevel = level
}

// SetOutput redirects all log output. Used by tests and the CLI.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return GetLevel() <= LevelDebug
}

// Debug logs a debug message (only if DEBUG=true or LOG_LEVEL=debug)
func Debug(format string, args ...interface{}) {
	if GetLevel() <= LevelDebug {
		logger.Debugf(format, args...)
	}
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	if GetLevel() <= LevelInfo {
		logger.Infof(format, args...)
	}
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	if GetLevel() <= LevelWarn {
		logger.Warnf(format, args...)
	}
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	if GetLevel() <= LevelError {
		logger.Errorf(format, args...)
	}
}

// Printf logs a message regardless of the configured level.
func Printf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}

// Entry is a leveled logger carrying structured fields.
type Entry struct {
	entry *logrus.Entry
}

// WithFields returns an Entry that attaches fields to every message.
func WithFields(fields Fields) *Entry {
	return &Entry{entry: logger.WithFields(fields)}
}

// WithFields adds more fields to the entry.
func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{entry: e.entry.WithFields(fields)}
}

// Debug logs at debug level.
func (e *Entry) Debug(format string, args ...interface{}) {
	if GetLevel() <= LevelDebug {
		e.entry.Debugf(format, args...)
	}
}

// Info logs at info level.
func (e *Entry) Info(format string, args ...interface{}) {
	if GetLevel() <= LevelInfo {
		e.entry.Infof(format, args...)
	}
}

// Warn logs at warn level.
func (e *Entry) Warn(format string, args ...interface{}) {
	if GetLevel() <= LevelWarn {
		e.entry.Warnf(format, args...)
	}
}

// Error logs at error level.
func (e *Entry) Error(format string, args ...interface{}) {
	if GetLevel() <= LevelError {
		e.entry.Errorf(format, args...)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}

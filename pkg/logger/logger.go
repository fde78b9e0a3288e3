// Package logger provides the leveled, fielded logger used across the
// leader, workers, and aggregator. The package keeps no package-level
// state: Loggers are built with New or NewWithConfig and passed to
// their users as explicit constructor arguments.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity level of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name (callers pass the --log-level flag
// value) into a LogLevel; an unrecognized name yields INFO together
// with an error.
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", level)
	}
}

// Logger is a leveled logger carrying a set of structured fields.
// Calling WithField/WithFields never mutates the receiver; it returns
// a new Logger so the same base logger can be shared across
// goroutines (the leader, the aggregator, and every worker hold their
// own derived logger).
type Logger struct {
	level  LogLevel
	logger *log.Logger
	fields map[string]interface{}
	role   string // "leader", "worker", "aggregator", or empty
}

// Config controls construction of a root Logger.
type Config struct {
	Level  LogLevel
	Output io.Writer
	Role   string
}

// New returns a root Logger writing text lines at INFO level to stdout.
func New() *Logger {
	return NewWithConfig(Config{Level: INFO, Output: os.Stdout})
}

// NewWithConfig returns a root Logger configured per cfg.
func NewWithConfig(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Logger{
		level:  cfg.Level,
		logger: log.New(cfg.Output, "", 0),
		fields: make(map[string]interface{}),
		role:   cfg.Role,
	}
}

// WithRole returns a derived logger tagged with the given process role.
func (l *Logger) WithRole(role string) *Logger {
	nl := l.clone()
	nl.role = role
	return nl
}

// WithFields returns a derived logger with the given key/value pairs
// merged into its field set.
func (l *Logger) WithFields(keyVals ...interface{}) *Logger {
	nl := l.clone()
	for i := 0; i+1 < len(keyVals); i += 2 {
		nl.fields[fmt.Sprintf("%v", keyVals[i])] = keyVals[i+1]
	}
	return nl
}

// WithField returns a derived logger with one extra field, e.g.
// WithField("jobStoreID", id).
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(key, value)
}

func (l *Logger) clone() *Logger {
	nl := &Logger{level: l.level, logger: l.logger, role: l.role, fields: make(map[string]interface{}, len(l.fields))}
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	return nl
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(DEBUG, msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(INFO, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(WARN, msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(ERROR, msg, kv...) }

// Fatal logs at ERROR and terminates the process. Reserved for the
// leader's top-level main, never for library code.
func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.log(ERROR, msg, kv...)
	os.Exit(1)
}

func (l *Logger) log(level LogLevel, msg string, kv ...interface{}) {
	if level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02T15:04:05.000Z07:00")

	all := make(map[string]interface{}, len(l.fields)+len(kv)/2)
	for k, v := range l.fields {
		all[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		all[fmt.Sprintf("%v", kv[i])] = kv[i+1]
	}

	l.logger.Print(l.formatLine(timestamp, level, msg, all))
}

func (l *Logger) formatLine(timestamp string, level LogLevel, msg string, fields map[string]interface{}) string {
	parts := []string{fmt.Sprintf("[%s]", timestamp), fmt.Sprintf("[%s]", level)}
	if l.role != "" {
		parts = append(parts, fmt.Sprintf("[%s]", l.role))
	}
	parts = append(parts, msg)

	if len(fields) > 0 {
		var fieldParts []string
		for k, v := range fields {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%s", k, formatValue(v)))
		}
		parts = append(parts, "|", strings.Join(fieldParts, " "))
	}

	return strings.Join(parts, " ")
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, " ") {
			return fmt.Sprintf("%q", v)
		}
		return v
	case error:
		return fmt.Sprintf("%q", v.Error())
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (l *Logger) SetLevel(level LogLevel) { l.level = level }
func (l *Logger) GetLevel() LogLevel      { return l.level }

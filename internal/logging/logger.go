// Package logging provides leveled, contextual logging for hetero.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration.
type Config struct {
	Level   LogLevel
	Format  string // "text" (default) or "json"
	Output  io.Writer
	Sync    bool // present for config-shape parity with other pack loggers; unused since log.Logger already flushes synchronously
	NoColor bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps stdlib log with level support and structured context
// fields that accumulate across With* calls.
type Logger struct {
	logger *log.Logger
	level  LogLevel
	format string
	fields []kv
	mu     *sync.Mutex
}

type kv struct {
	key string
	val interface{}
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
		format: format,
		mu:     &sync.Mutex{},
	}
}

// Default returns the process default logger, creating it if necessary.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the process default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

func (l *Logger) with(key string, val interface{}) *Logger {
	fields := make([]kv, len(l.fields), len(l.fields)+1)
	copy(fields, l.fields)
	fields = append(fields, kv{key, val})
	return &Logger{logger: l.logger, level: l.level, format: l.format, fields: fields, mu: l.mu}
}

// WithDevice scopes subsequent log lines to a device index.
func (l *Logger) WithDevice(deviceID int) *Logger { return l.with("device_id", deviceID) }

// WithQueue scopes subsequent log lines to a queue/consumer index.
func (l *Logger) WithQueue(queueID int) *Logger { return l.with("queue_id", queueID) }

// WithStage scopes subsequent log lines to a pipeline stage order.
func (l *Logger) WithStage(stageOrder int) *Logger { return l.with("stage", stageOrder) }

// WithRequest scopes subsequent log lines to a task/compute id and op name.
func (l *Logger) WithRequest(id uint64, op string) *Logger {
	return l.with("op", op).with("tag", id)
}

// WithError attaches an error to subsequent log lines.
func (l *Logger) WithError(err error) *Logger { return l.with("error", err) }

func formatArgs(args []interface{}) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) fieldString() string {
	if len(l.fields) == 0 {
		return ""
	}
	s := ""
	for _, f := range l.fields {
		s += fmt.Sprintf(" %s=%v", f.key, f.val)
	}
	return s
}

func jsonFields(fields []kv) string {
	s := ""
	for _, f := range fields {
		s += fmt.Sprintf(",%q:%q", f.key, fmt.Sprintf("%v", f.val))
	}
	return s
}

func jsonArgs(args []interface{}) string {
	s := ""
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			s += fmt.Sprintf(",%q:%q", fmt.Sprintf("%v", args[i]), fmt.Sprintf("%v", args[i+1]))
		}
	}
	return s
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "json" {
		l.logger.Printf(`{"level":%q,"msg":%q%s%s}`, prefix, msg, jsonFields(l.fields), jsonArgs(args))
		return
	}
	l.logger.Printf("%s %s%s%s", prefix, msg, l.fieldString(), formatArgs(args))
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log(LevelDebug, "[DEBUG]", msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(LevelInfo, "[INFO]", msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(LevelWarn, "[WARN]", msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(LevelError, "[ERROR]", msg, args...) }

// Debugf/Infof/Warnf/Errorf provide printf-style logging, matched to
// interfaces.Logger's Printf/Debugf contract.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf satisfies interfaces.Logger.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.Infof(format, args...)
}

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...interface{}) { Default().Debug(msg, args...) }
func Info(msg string, args ...interface{})  { Default().Info(msg, args...) }
func Warn(msg string, args ...interface{})  { Default().Warn(msg, args...) }
func Error(msg string, args ...interface{}) { Default().Error(msg, args...) }

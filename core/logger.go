package core

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// JSONLogger writes structured JSON lines. It implements
// ComponentAwareLogger so framework packages can scope their output.
type JSONLogger struct {
	mu        sync.Mutex
	out       io.Writer
	component string
	level     LogLevel
}

// LogLevel filters logger output.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// NewJSONLogger creates a logger writing to stderr at Info level.
func NewJSONLogger() *JSONLogger {
	return &JSONLogger{out: os.Stderr, level: LogLevelInfo}
}

// NewJSONLoggerWithOptions creates a logger with a custom sink and level.
func NewJSONLoggerWithOptions(out io.Writer, level LogLevel) *JSONLogger {
	if out == nil {
		out = os.Stderr
	}
	return &JSONLogger{out: out, level: level}
}

// WithComponent returns a logger attributing output to the component.
func (l *JSONLogger) WithComponent(component string) Logger {
	return &JSONLogger{out: l.out, component: component, level: l.level}
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogLevelDebug, "debug", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogLevelInfo, "info", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogLevelWarn, "warn", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, "error", msg, fields)
}

func (l *JSONLogger) log(level LogLevel, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["time"] = time.Now().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}

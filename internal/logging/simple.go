package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Level is the logging verbosity level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Format selects the on-wire shape of a log line.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// SimpleLogger is a production-ready Logger implementation writing either
// JSON or key=value text lines to stderr, with a component label and a set
// of persistent fields carried from parent to child loggers via With*.
type SimpleLogger struct {
	level     Level
	format    Format
	component string
	fields    map[string]interface{}
}

// NewSimpleLogger builds a logger reading ALGOFORGE_LOG_LEVEL and
// ALGOFORGE_LOG_FORMAT from the environment (defaults: info, text).
func NewSimpleLogger() *SimpleLogger {
	l := &SimpleLogger{level: InfoLevel, format: FormatText, fields: map[string]interface{}{}}
	l.SetLevel(os.Getenv("ALGOFORGE_LOG_LEVEL"))
	if strings.EqualFold(os.Getenv("ALGOFORGE_LOG_FORMAT"), "json") {
		l.format = FormatJSON
	}
	return l
}

// SetLevel changes the minimum level that will be emitted. Unrecognized
// values are ignored, leaving the current level in place.
func (l *SimpleLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

func (l *SimpleLogger) clone() *SimpleLogger {
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &SimpleLogger{level: l.level, format: l.format, component: l.component, fields: fields}
}

// WithComponent returns a child logger scoped to the given subsystem name.
func (l *SimpleLogger) WithComponent(component string) Logger {
	c := l.clone()
	c.component = component
	return c
}

// WithFields returns a child logger carrying additional persistent fields.
func (l *SimpleLogger) WithFields(fields map[string]interface{}) Logger {
	c := l.clone()
	for k, v := range fields {
		c.fields[k] = v
	}
	return c
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) { l.emit(DebugLevel, "debug", msg, fields) }
func (l *SimpleLogger) Info(msg string, fields map[string]interface{})  { l.emit(InfoLevel, "info", msg, fields) }
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{})  { l.emit(WarnLevel, "warn", msg, fields) }
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) { l.emit(ErrorLevel, "error", msg, fields) }

func (l *SimpleLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(DebugLevel, "debug", msg, withCorrelation(ctx, fields))
}
func (l *SimpleLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(InfoLevel, "info", msg, withCorrelation(ctx, fields))
}
func (l *SimpleLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(WarnLevel, "warn", msg, withCorrelation(ctx, fields))
}
func (l *SimpleLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ErrorLevel, "error", msg, withCorrelation(ctx, fields))
}

func (l *SimpleLogger) emit(level Level, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	merged := make(map[string]interface{}, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	merged["level"] = levelName
	merged["msg"] = msg
	merged["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	if l.component != "" {
		merged["component"] = l.component
	}

	if l.format == FormatJSON {
		b, err := json.Marshal(merged)
		if err != nil {
			log.Println(levelName, msg)
			return
		}
		fmt.Fprintln(os.Stderr, string(b))
		return
	}

	parts := make([]string, 0, len(merged))
	for _, k := range []string{"time", "level", "component", "msg"} {
		if v, ok := merged[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			delete(merged, k)
		}
	}
	for k, v := range merged {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	fmt.Fprintln(os.Stderr, strings.Join(parts, " "))
}

type correlationKey struct{}

// WithCorrelationID stashes a workflow/correlation id in the context so any
// *WithContext log call picks it up automatically.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func withCorrelation(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if ctx != nil {
		if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
			out["correlation_id"] = id
		}
	}
	return out
}

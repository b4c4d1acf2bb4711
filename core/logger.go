package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// StructuredLogger is the default Logger/ComponentAwareLogger implementation:
// JSON lines under Kubernetes, human-readable text for local runs, both
// switchable via FINOPS_ORCH_LOG_FORMAT, with the level gated by
// FINOPS_ORCH_LOG_LEVEL. Component tagging is carried as an immutable field
// set by WithComponent, so a derived logger never mutates its parent.
type StructuredLogger struct {
	level     string
	component string
	format    string
	output    io.Writer
	mu        *sync.Mutex
}

var _ ComponentAwareLogger = (*StructuredLogger)(nil)

// NewStructuredLogger builds a root logger with no component tag.
// Configuration priority: environment variables, then built-in defaults.
func NewStructuredLogger() *StructuredLogger {
	level := strings.ToUpper(os.Getenv("FINOPS_ORCH_LOG_LEVEL"))
	if level == "" {
		level = "INFO"
	}

	format := os.Getenv("FINOPS_ORCH_LOG_FORMAT")
	if format == "" {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		} else {
			format = "text"
		}
	}

	return &StructuredLogger{
		level:  level,
		format: format,
		output: os.Stdout,
		mu:     &sync.Mutex{},
	}
}

// WithComponent returns a derived logger tagging every line with component.
func (l *StructuredLogger) WithComponent(component string) Logger {
	return &StructuredLogger{
		level:     l.level,
		component: component,
		format:    l.format,
		output:    l.output,
		mu:        l.mu,
	}
}

// SetOutput redirects log output; used by tests to capture lines.
func (l *StructuredLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", msg, fields) }
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

func (l *StructuredLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, withTraceFields(ctx, fields))
}
func (l *StructuredLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, withTraceFields(ctx, fields))
}
func (l *StructuredLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, withTraceFields(ctx, fields))
}
func (l *StructuredLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, withTraceFields(ctx, fields))
}

// executionIDKey is the context key the executor stamps so every log line
// emitted while handling one task carries its execution_id automatically.
type executionIDKey struct{}

// WithExecutionID returns a context that tags subsequent *WithContext log
// calls with the given execution id.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id, ok := ctx.Value(executionIDKey{}).(string)
	if !ok || id == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["execution_id"] = id
	return out
}

func (l *StructuredLogger) log(level, msg string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().UTC().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *StructuredLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if _, reserved := entry[k]; !reserved {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *StructuredLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	component := l.component
	if component == "" {
		component = "orchestrator"
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, component, msg, b.String())
}

var logLevels = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

func (l *StructuredLogger) shouldLog(level string) bool {
	current, ok := logLevels[l.level]
	if !ok {
		current = logLevels["INFO"]
	}
	want, ok := logLevels[level]
	if !ok {
		return true
	}
	return want >= current
}

package core

import "context"

// Logger is the structured logging surface every component depends on.
// Implementations are expected to be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger tags every subsequent log line with a component path.
// Naming convention: "orchestrator/<component>", e.g. "orchestrator/scheduler",
// "orchestrator/executor", "orchestrator/resilience", "orchestrator/state".
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. Useful as a default when no logger is wired.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})                                  {}
func (NoOpLogger) Warn(string, map[string]interface{})                                  {}
func (NoOpLogger) Error(string, map[string]interface{})                                 {}
func (NoOpLogger) Debug(string, map[string]interface{})                                 {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})      {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})      {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{})     {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{})     {}

var _ Logger = NoOpLogger{}

// ProgressReporter lets a running task function publish incremental progress
// (§6.1) without depending on the state store directly.
type ProgressReporter interface {
	Report(itemsProcessed, itemsTotal int64, lastProcessedID string) error
}

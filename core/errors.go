package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is(). Component-specific errors
// wrap these so callers can branch on category without string matching.
var (
	// Execution / checkpoint lookup
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// State store atomicity
	ErrAlreadyExists       = errors.New("record already exists")
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// Configuration
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Resilience
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Scheduling
	ErrDeadlock        = errors.New("dependency scheduler deadlocked: no ready tasks remain")
	ErrUnknownTaskType = errors.New("unknown task class")

	// Lifecycle / cancellation
	ErrTimeout          = errors.New("operation timeout")
	ErrCancelled        = errors.New("operation cancelled")
	ErrConnectionFailed = errors.New("connection failed")
)

// FrameworkError carries structured context around a wrapped sentinel error.
type FrameworkError struct {
	Op      string // operation that failed, e.g. "state.Update"
	Kind    string // error kind, e.g. "state", "executor", "scheduler"
	ID      string // optional entity id (execution_id, task_id, ...)
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError wrapping err.
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether err represents a transient condition the
// retry engine should re-attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrConcurrencyConflict)
}

// IsNotFound reports whether err represents a missing-record condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) || errors.Is(err, ErrCheckpointNotFound)
}

// IsConcurrencyConflict reports whether err is an optimistic-concurrency failure.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrAlreadyExists)
}

// IsCancellation reports whether err represents cooperative cancellation,
// which must never be logged as a failure or counted against a circuit breaker.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsConfigurationError reports whether err is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) || errors.Is(err, ErrMissingConfiguration)
}

// TaskError is the minimal error surface a task function (§6.1) may return.
// If Category is the zero value, the retry engine classifies the error itself.
type TaskError struct {
	Category  ErrorCategory
	Retryable *bool // nil = let the engine decide
	Message   string
	Err       error
}

func (e *TaskError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Category)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

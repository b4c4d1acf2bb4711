// Package executor implements the resilient executor (C4): the single
// choke point every task invocation passes through, composing the retry
// engine and circuit breaker (package resilience) with the durable state
// store (package state) per the seven-point contract in §4.4.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	core "github.com/FELIPEACASTRO/finops-orchestrator-core/core"
	"github.com/FELIPEACASTRO/finops-orchestrator-core/resilience"
	"github.com/FELIPEACASTRO/finops-orchestrator-core/state"
)

// ReportProgressFunc lets a running task function surface incremental
// progress; the executor persists it onto the checkpoint best-effort (§4.4
// "Observable side effects").
type ReportProgressFunc func(itemsProcessed, itemsTotal int64, lastProcessedID string)

// TaskContext is what a task function receives (§6.1): a cancellable
// context is passed separately as the first argument, so this only carries
// the read-only checkpoint snapshot and the progress callback.
type TaskContext struct {
	Checkpoint     core.Checkpoint
	ReportProgress ReportProgressFunc
}

// Report implements core.ProgressReporter, so a task function that only
// wants to depend on that narrow interface (rather than the concrete
// TaskContext type, e.g. when handing progress reporting to a helper shared
// across task classes) can pass *TaskContext directly. It never fails on
// its own account: the underlying write is best-effort, same as
// ReportProgress (§4.4 "Observable side effects").
func (tc *TaskContext) Report(itemsProcessed, itemsTotal int64, lastProcessedID string) error {
	tc.ReportProgress(itemsProcessed, itemsTotal, lastProcessedID)
	return nil
}

var _ core.ProgressReporter = (*TaskContext)(nil)

// TaskFunc is the callable signature a task class registers (§6.1). It
// returns an opaque result summary (≤256KB) or an error; errors may
// implement *core.TaskError to carry an explicit category/retryable flag.
type TaskFunc func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error)

// Executor runs TaskFuncs under the seven-point C4 contract.
type Executor struct {
	store     state.Store
	breakers  *resilience.Registry
	policyFor func(core.TaskClass) core.TaskClassPolicy
	logger    core.Logger

	// storeRetryPolicy is the dedicated, more aggressive policy state-store
	// writes retry under (§7 "Errors in state-store writes are retried
	// with a dedicated aggressive policy").
	storeRetryPolicy resilience.RetryPolicy
	defaultTimeout   time.Duration

	metricsMu sync.Mutex
	metrics   map[core.TaskClass]*resilience.MetricsTracker
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithStoreRetryPolicy overrides the policy used for state-store write retries.
func WithStoreRetryPolicy(p resilience.RetryPolicy) Option {
	return func(e *Executor) { e.storeRetryPolicy = p }
}

// WithDefaultTimeout sets the per-attempt timeout applied when Execute is
// called with timeout <= 0.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

// NewExecutor builds an Executor wired to a state store and a per-task-class
// circuit breaker registry.
func NewExecutor(store state.Store, breakers *resilience.Registry, policyFor func(core.TaskClass) core.TaskClassPolicy, logger core.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator/executor")
	}
	e := &Executor{
		store:     store,
		breakers:  breakers,
		policyFor: policyFor,
		logger:    logger,
		storeRetryPolicy: resilience.RetryPolicy{
			MaxRetries:      5,
			BaseDelay:       50 * time.Millisecond,
			MaxDelay:        2 * time.Second,
			ExponentialBase: 2.0,
			Jitter:          0.2,
		},
		metrics: make(map[core.TaskClass]*resilience.MetricsTracker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) metricsFor(class core.TaskClass) *resilience.MetricsTracker {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	m, ok := e.metrics[class]
	if !ok {
		m = resilience.NewMetricsTracker()
		e.metrics[class] = m
	}
	return m
}

// Metrics returns a snapshot of the process-local retry metrics for class (§3).
func (e *Executor) Metrics(class core.TaskClass) core.RetryMetrics {
	return e.metricsFor(class).Snapshot()
}

// persist retries a full-snapshot state write under the aggressive
// store-write policy (§4.3, §7). A caller on a terminal transition (start,
// completion, failure) must treat a returned error as execution-fatal; a
// caller on a best-effort progress update should only log it.
func (e *Executor) persist(ctx context.Context, execution *core.Execution) error {
	return resilience.Execute(ctx, e.storeRetryPolicy, nil, nil, func(attemptCtx context.Context) error {
		return e.store.Update(attemptCtx, execution, nil)
	})
}

func (e *Executor) persistBestEffort(ctx context.Context, execution *core.Execution, op string) {
	if err := e.persist(ctx, execution); err != nil {
		e.logger.Warn("state store write failed, continuing", map[string]interface{}{
			"execution_id": execution.ID,
			"op":           op,
			"error":        err.Error(),
		})
	}
}

// Execute runs one task to completion against execution's checkpoint for
// serviceName, implementing the seven points of §4.4 in order. timeout <= 0
// falls back to the executor's default.
func (e *Executor) Execute(ctx context.Context, execution *core.Execution, serviceName string, fn TaskFunc, timeout time.Duration) (map[string]interface{}, error) {
	checkpoint, ok := execution.Checkpoints[serviceName]
	if !ok {
		return nil, fmt.Errorf("executor: no checkpoint registered for %q: %w", serviceName, core.ErrUnknownTaskType)
	}

	// 1. Idempotency short-circuit: a completed checkpoint's cached result
	// is returned without invoking fn at all.
	if checkpoint.Status == core.CheckpointCompleted {
		return checkpoint.ResultSummary, nil
	}

	class := checkpoint.TaskClass
	breaker := e.breakers.For(class)
	policy := e.retryPolicy(class)

	// 2. Circuit check, before any state mutation or invocation.
	if !breaker.Allow() {
		now := time.Now().UTC()
		checkpoint.Status = core.CheckpointSkipped
		checkpoint.ErrorMessage = "circuit breaker open"
		checkpoint.LastCheckpointAt = now
		execution.Touch(now)
		e.persistBestEffort(ctx, execution, "circuit-skip")

		e.logger.Info("task skipped, circuit open", map[string]interface{}{
			"execution_id": execution.ID,
			"service":      serviceName,
			"task_class":   string(class),
		})
		return nil, fmt.Errorf("executor: task class %s: %w", class, core.ErrCircuitOpen)
	}

	// 3. Transition to RUNNING; started_at set once, retry_count bumped
	// per actual invocation inside onAttempt below.
	now := time.Now().UTC()
	if checkpoint.StartedAt == nil {
		checkpoint.StartedAt = &now
	}
	checkpoint.Status = core.CheckpointRunning
	checkpoint.ErrorMessage = ""
	checkpoint.LastCheckpointAt = now
	execution.Touch(now)
	if err := e.persist(ctx, execution); err != nil {
		return nil, fmt.Errorf("executor: persist start for %s: %w", serviceName, err)
	}

	reportProgress := func(itemsProcessed, itemsTotal int64, lastProcessedID string) {
		ts := time.Now().UTC()
		checkpoint.ItemsProcessed = itemsProcessed
		checkpoint.ItemsTotal = itemsTotal
		if lastProcessedID != "" {
			checkpoint.LastProcessedID = lastProcessedID
		}
		checkpoint.LastCheckpointAt = ts
		execution.Touch(ts)
		e.persistBestEffort(ctx, execution, "progress")
	}

	onAttempt := func(attempt int, attemptErr error, decision core.RetryDecision) {
		ts := time.Now().UTC()
		checkpoint.RetryCount++
		checkpoint.Status = core.CheckpointRunning
		if attemptErr != nil {
			checkpoint.ErrorMessage = attemptErr.Error()
		}
		checkpoint.LastCheckpointAt = ts
		execution.Touch(ts)
		e.persistBestEffort(ctx, execution, "attempt")
	}

	var result map[string]interface{}
	effectiveTimeout := timeout
	if effectiveTimeout <= 0 {
		effectiveTimeout = e.defaultTimeout
	}

	invoke := func(attemptCtx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				e.logger.Error("task function panicked", map[string]interface{}{
					"execution_id": execution.ID,
					"service":      serviceName,
					"panic":        fmt.Sprintf("%v", r),
				})
				err = fmt.Errorf("panic in task %q: %v\n%s", serviceName, r, stack)
			}
		}()

		if effectiveTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(attemptCtx, effectiveTimeout)
			defer cancel()
		}

		r, fnErr := fn(attemptCtx, &TaskContext{Checkpoint: *checkpoint, ReportProgress: reportProgress})
		if fnErr != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				retryable := true
				return &core.TaskError{Category: core.ErrorCategoryTimeout, Retryable: &retryable, Message: fnErr.Error(), Err: core.ErrTimeout}
			}
			return fnErr
		}
		result = r
		return nil
	}

	runErr := resilience.Execute(ctx, policy, e.metricsFor(class), onAttempt, invoke)

	// 7. Explicit cancellation: abort without further retries, leave the
	// checkpoint RUNNING so a subsequent invocation resumes it. Cancellation
	// must never be recorded against the breaker (resilience.Execute wraps
	// it in core.ErrCancelled, which core.IsCancellation recognizes).
	if core.IsCancellation(runErr) {
		breaker.RecordResult(runErr)
		ts := time.Now().UTC()
		checkpoint.LastCheckpointAt = ts
		execution.Touch(ts)
		e.persistBestEffort(ctx, execution, "cancelled")
		return nil, runErr
	}

	breaker.RecordResult(runErr)

	if runErr != nil {
		// 6. On exhaustion: record error, transition FAILED.
		completedAt := time.Now().UTC()
		checkpoint.Status = core.CheckpointFailed
		checkpoint.ErrorMessage = runErr.Error()
		checkpoint.CompletedAt = &completedAt
		checkpoint.LastCheckpointAt = completedAt
		execution.Touch(completedAt)
		if err := e.persist(ctx, execution); err != nil {
			return nil, fmt.Errorf("executor: persist failure for %s: %w", serviceName, err)
		}

		e.logger.Warn("task failed", map[string]interface{}{
			"execution_id": execution.ID,
			"service":      serviceName,
			"task_class":   string(class),
			"error":        runErr.Error(),
		})
		return nil, runErr
	}

	// 5. On success: record result, transition COMPLETED.
	completedAt := time.Now().UTC()
	checkpoint.Status = core.CheckpointCompleted
	checkpoint.ResultSummary = result
	checkpoint.ErrorMessage = ""
	checkpoint.CompletedAt = &completedAt
	checkpoint.LastCheckpointAt = completedAt
	execution.Touch(completedAt)
	if err := e.persist(ctx, execution); err != nil {
		return nil, fmt.Errorf("executor: persist completion for %s: %w", serviceName, err)
	}

	return result, nil
}

func (e *Executor) retryPolicy(class core.TaskClass) resilience.RetryPolicy {
	p := e.policyFor(class)
	return resilience.RetryPolicy{
		MaxRetries:      p.MaxRetries,
		BaseDelay:       p.BaseDelay,
		MaxDelay:        p.MaxDelay,
		ExponentialBase: p.ExponentialBase,
		Jitter:          p.Jitter,
	}
}

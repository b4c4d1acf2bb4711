// Package resilience implements the retry engine (C1) and circuit breaker
// (C2) the executor wraps every task invocation in.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	core "github.com/FELIPEACASTRO/finops-orchestrator-core/core"
)

// RetryPolicy configures the retry engine for one task class (§4.1).
type RetryPolicy struct {
	MaxRetries      int           // additional attempts after the first
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          float64 // fraction of delay randomly added/subtracted, [0,1]

	// RetryableExceptions / NonRetryableExceptions let callers force a
	// classification for errors matching errors.Is, checked before the
	// category-based rules (§4.1 rule order 2-3).
	NonRetryableExceptions []error
	RetryableExceptions    []error

	// RetryableStatusCodes marks wrapped HTTP status codes as retryable.
	RetryableStatusCodes []int
}

// DefaultRetryPolicy mirrors the spec's compiled-in defaults (§4.1).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       1 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          0.25,
	}
}

// HTTPStatusError is a minimal error shape carrying a status code, so
// RetryPolicy.RetryableStatusCodes can classify wrapped HTTP failures.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (e *HTTPStatusError) Unwrap() error { return e.Err }

// ClassifyError maps an arbitrary error onto the fixed ErrorCategory
// enumeration (§4.1). A *core.TaskError with a non-empty Category is
// trusted as-is; everything else is classified heuristically from its
// message and type, matching the original implementation's approach.
func ClassifyError(err error) core.ErrorCategory {
	var taskErr *core.TaskError
	if errors.As(err, &taskErr) && taskErr.Category != "" {
		return taskErr.Category
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrTimeout) {
		return core.ErrorCategoryTimeout
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrCancelled) {
		return core.ErrorCategoryUnknown
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 408 || httpErr.StatusCode == 429:
			return core.ErrorCategoryThrottling
		case httpErr.StatusCode >= 500:
			return core.ErrorCategoryServerError
		case httpErr.StatusCode == 401:
			return core.ErrorCategoryAuthentication
		case httpErr.StatusCode == 403:
			return core.ErrorCategoryAuthorization
		case httpErr.StatusCode == 404:
			return core.ErrorCategoryResourceNotFound
		case httpErr.StatusCode >= 400:
			return core.ErrorCategoryClientError
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return core.ErrorCategoryTimeout
	case strings.Contains(msg, "throttl") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return core.ErrorCategoryThrottling
	case strings.Contains(msg, "connect") || strings.Contains(msg, "network") || strings.Contains(msg, "dns"):
		return core.ErrorCategoryNetworkError
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication"):
		return core.ErrorCategoryAuthentication
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "authoriz"):
		return core.ErrorCategoryAuthorization
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return core.ErrorCategoryResourceNotFound
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation"):
		return core.ErrorCategoryValidation
	case strings.Contains(msg, "internal server error") || strings.Contains(msg, "server error"):
		return core.ErrorCategoryServerError
	default:
		return core.ErrorCategoryUnknown
	}
}

// ShouldRetry applies the §4.1 decision rule, in order, to a failed attempt.
// attempt is 1-indexed (the attempt that just failed).
func (p RetryPolicy) ShouldRetry(err error, attempt int) core.RetryDecision {
	if attempt > p.MaxRetries+1 {
		return core.RetryDecisionStop
	}

	var taskErr *core.TaskError
	if errors.As(err, &taskErr) && taskErr.Retryable != nil {
		if *taskErr.Retryable {
			return core.RetryDecisionRetryWithBackoff
		}
		return core.RetryDecisionStop
	}

	for _, nonRetryable := range p.NonRetryableExceptions {
		if errors.Is(err, nonRetryable) {
			return core.RetryDecisionStop
		}
	}
	for _, retryable := range p.RetryableExceptions {
		if errors.Is(err, retryable) {
			return core.RetryDecisionRetryWithBackoff
		}
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		for _, code := range p.RetryableStatusCodes {
			if code == httpErr.StatusCode {
				return core.RetryDecisionRetryWithBackoff
			}
		}
	}

	switch ClassifyError(err) {
	case core.ErrorCategoryClientError, core.ErrorCategoryValidation:
		return core.RetryDecisionStop
	case core.ErrorCategoryTransient, core.ErrorCategoryThrottling, core.ErrorCategoryTimeout,
		core.ErrorCategoryNetworkError, core.ErrorCategoryServerError:
		return core.RetryDecisionRetryWithBackoff
	default:
		return core.RetryDecisionRetryWithBackoff
	}
}

// CalculateDelay computes the backed-off, jittered sleep before the given
// (1-indexed) attempt's retry (§4.1 delay computation).
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy().BaseDelay
	}
	exponentialBase := p.ExponentialBase
	if exponentialBase <= 0 {
		exponentialBase = 2.0
	}

	delay := float64(base) * pow(exponentialBase, float64(attempt))
	if maxDelay := float64(p.MaxDelay); p.MaxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// AttemptObserver receives one notification per attempt, letting callers
// (the executor) update retry_count and other checkpoint fields without the
// retry engine depending on the state store.
type AttemptObserver func(attempt int, err error, decision core.RetryDecision)

// Execute runs fn under policy, retrying on RETRY_WITH_BACKOFF/RETRY_IMMEDIATELY
// decisions until success, STOP, or attempt exhaustion (§4.1). It never sleeps
// through context cancellation (§4.1 "Cancellation").
func Execute(ctx context.Context, policy RetryPolicy, metrics *MetricsTracker, onAttempt AttemptObserver, fn func(ctx context.Context) error) error {
	var lastErr error
	attempt := 0

	for {
		attempt++

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted by cancellation: %w", core.ErrCancelled)
		default:
		}

		start := time.Now()
		err := fn(ctx)
		duration := time.Since(start)

		if err == nil {
			if metrics != nil {
				metrics.RecordAttempt(true, nil, duration)
			}
			if onAttempt != nil {
				onAttempt(attempt, nil, "")
			}
			return nil
		}

		lastErr = err
		decision := policy.ShouldRetry(err, attempt)
		if metrics != nil {
			metrics.RecordAttempt(false, err, duration)
		}
		if onAttempt != nil {
			onAttempt(attempt, err, decision)
		}

		if decision == core.RetryDecisionStop {
			return lastErr
		}

		delay := time.Duration(0)
		if decision == core.RetryDecisionRetryWithBackoff {
			delay = policy.CalculateDelay(attempt)
		}

		if attempt >= policy.MaxRetries+1 {
			if metrics != nil {
				metrics.RecordExhaustion()
			}
			return fmt.Errorf("max retry attempts (%d) exceeded: %w", policy.MaxRetries, errors.Join(lastErr, core.ErrMaxRetriesExceeded))
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted by cancellation: %w", core.ErrCancelled)
			case <-timer.C:
			}
		}
	}
}

// MetricsTracker accumulates the process-local per-task-class RetryMetrics (§3).
type MetricsTracker struct {
	mu      sync.Mutex
	metrics core.RetryMetrics
}

// NewMetricsTracker returns an empty tracker.
func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{metrics: core.RetryMetrics{ErrorsByCategory: map[core.ErrorCategory]int64{}}}
}

// RecordAttempt folds one attempt's outcome into the running metrics.
func (t *MetricsTracker) RecordAttempt(success bool, err error, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalAttempts++
	t.metrics.TotalRetryTime += duration
	if success {
		t.metrics.SuccessfulAttempts++
		now := time.Now().UTC()
		t.metrics.LastSuccessAt = &now
		return
	}
	t.metrics.FailedAttempts++
	if err != nil {
		t.metrics.LastError = err.Error()
		category := ClassifyError(err)
		t.metrics.ErrorsByCategory[category]++
	}
}

// RecordExhaustion increments the retries-exhausted counter.
func (t *MetricsTracker) RecordExhaustion() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.RetriesExhausted++
}

// Snapshot returns a copy of the current metrics.
func (t *MetricsTracker) Snapshot() core.RetryMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.metrics
	snap.ErrorsByCategory = make(map[core.ErrorCategory]int64, len(t.metrics.ErrorsByCategory))
	for k, v := range t.metrics.ErrorsByCategory {
		snap.ErrorsByCategory[k] = v
	}
	return snap
}

package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	core "github.com/FELIPEACASTRO/finops-orchestrator-core/core"
)

// CircuitState is the admission state of a CircuitBreaker (§4.2).
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds the per-task-class gate settings (§4.2).
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // time spent OPEN before a probe is admitted
	Logger           core.Logger
}

// DefaultCircuitBreakerConfig mirrors the spec's compiled-in defaults (§4.2).
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		Logger:           core.NoOpLogger{},
	}
}

// CircuitBreaker is a three-state (closed/open/half-open) gate around one
// task class. State is held in atomics so Allow/RecordResult never block a
// concurrent Execute; mu only serializes the rarer state transitions.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	state          atomic.Int32 // CircuitState
	stateChangedAt atomic.Int64 // UnixNano
	generation     atomic.Uint64
	failureCount   atomic.Int32
	halfOpenInUse  atomic.Bool // at most one probe admitted per half-open generation

	mu        sync.Mutex
	listeners []func(name string, from, to CircuitState)
}

// NewCircuitBreaker builds a breaker starting CLOSED.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = core.NoOpLogger{}
	}

	cb := &CircuitBreaker{config: config}
	cb.state.Store(int32(StateClosed))
	cb.stateChangedAt.Store(time.Now().UnixNano())
	return cb
}

// State returns the current admission state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Allow reports whether a call may proceed right now, and reserves the slot
// when the circuit is HALF_OPEN (only one probe per half-open period).
// Rejected calls never invoke the underlying function (§4.2 "Rejection").
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case StateClosed:
		return true

	case StateOpen:
		changedAt := time.Unix(0, cb.stateChangedAt.Load())
		if time.Since(changedAt) < cb.config.RecoveryTimeout {
			return false
		}
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if cb.State() != StateOpen {
			return cb.State() == StateHalfOpen && cb.halfOpenInUse.CompareAndSwap(false, true)
		}
		cb.transitionLocked(StateHalfOpen)
		return cb.halfOpenInUse.CompareAndSwap(false, true)

	case StateHalfOpen:
		return cb.halfOpenInUse.CompareAndSwap(false, true)

	default:
		return false
	}
}

// RecordResult folds the outcome of an admitted call back into the state
// machine (§4.2). Call exactly once per Allow()==true invocation.
func (cb *CircuitBreaker) RecordResult(err error) {
	if core.IsCancellation(err) {
		if cb.State() == StateHalfOpen {
			cb.halfOpenInUse.Store(false)
		}
		return
	}

	switch cb.State() {
	case StateHalfOpen:
		cb.mu.Lock()
		if err == nil {
			cb.transitionLocked(StateClosed)
		} else {
			cb.transitionLocked(StateOpen)
		}
		cb.mu.Unlock()

	case StateClosed:
		if err == nil {
			cb.failureCount.Store(0)
			return
		}
		failures := cb.failureCount.Add(1)
		if int(failures) >= cb.config.FailureThreshold {
			cb.mu.Lock()
			if cb.State() == StateClosed {
				cb.transitionLocked(StateOpen)
			}
			cb.mu.Unlock()
		}

	case StateOpen:
		// A result arriving while OPEN belongs to an orphaned earlier probe; ignore.
	}
}

// Execute runs fn under circuit protection. It returns core.ErrCircuitOpen
// without invoking fn when the circuit rejects the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		cb.config.Logger.Debug("circuit breaker rejected call", map[string]interface{}{
			"name":  cb.config.Name,
			"state": cb.State().String(),
		})
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitOpen)
	}

	err := cb.runProtected(ctx, fn)
	cb.RecordResult(err)
	return err
}

// runProtected invokes fn, converting a panic into an error so a single
// misbehaving task can never take down the wave loop.
func (cb *CircuitBreaker) runProtected(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			cb.config.Logger.Error("task panicked", map[string]interface{}{
				"name":  cb.config.Name,
				"panic": fmt.Sprintf("%v", r),
			})
			err = fmt.Errorf("panic in task %q: %v\n%s", cb.config.Name, r, stack)
		}
	}()
	return fn(ctx)
}

// transitionLocked moves to newState; caller must hold mu.
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.State()
	if oldState == newState {
		return
	}
	cb.state.Store(int32(newState))
	cb.stateChangedAt.Store(time.Now().UnixNano())
	cb.generation.Add(1)
	if newState != StateHalfOpen {
		cb.halfOpenInUse.Store(false)
	}
	if newState == StateClosed {
		cb.failureCount.Store(0)
	}

	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name,
		"from": oldState.String(),
		"to":   newState.String(),
	})

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}

// AddStateChangeListener registers a callback invoked on every transition.
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// Reset forces the breaker back to CLOSED with a zeroed failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failureCount.Store(0)
}

// Registry is a per-task-class CircuitBreaker table, constructed once and
// shared by the executor (§4.2 "Per task-class gate").
type Registry struct {
	mu       sync.Mutex
	breakers map[core.TaskClass]*CircuitBreaker
	policy   func(core.TaskClass) core.TaskClassPolicy
	logger   core.Logger
}

// NewRegistry builds a Registry that lazily creates breakers from policy.
func NewRegistry(policy func(core.TaskClass) core.TaskClassPolicy, logger core.Logger) *Registry {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Registry{
		breakers: make(map[core.TaskClass]*CircuitBreaker),
		policy:   policy,
		logger:   logger,
	}
}

// For returns the CircuitBreaker for class, creating it from the injected
// policy table on first use.
func (r *Registry) For(class core.TaskClass) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[class]; ok {
		return cb
	}

	p := r.policy(class)
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             string(class),
		FailureThreshold: p.CircuitFailureThreshold,
		RecoveryTimeout:  p.CircuitRecoveryTimeout,
		Logger:           r.logger,
	})
	r.breakers[class] = cb
	return cb
}

package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/FELIPEACASTRO/finops-orchestrator-core/core"
	"github.com/FELIPEACASTRO/finops-orchestrator-core/resilience"
	"github.com/FELIPEACASTRO/finops-orchestrator-core/state"
)

// memStore is a minimal in-memory state.Store used only to exercise the
// executor's persistence calls without a real backend.
type memStore struct {
	mu         sync.Mutex
	executions map[string]*core.Execution
}

func newMemStore() *memStore {
	return &memStore{executions: make(map[string]*core.Execution)}
}

func (m *memStore) Create(ctx context.Context, execution *core.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[execution.ID]; exists {
		return core.ErrAlreadyExists
	}
	m.executions[execution.ID] = execution
	return nil
}

func (m *memStore) Get(ctx context.Context, executionID, accountID string) (*core.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return nil, core.ErrExecutionNotFound
	}
	return e, nil
}

func (m *memStore) GetLatestByAccount(ctx context.Context, accountID string) (*core.Execution, error) {
	return nil, core.ErrExecutionNotFound
}

func (m *memStore) Update(ctx context.Context, execution *core.Execution, ifUnchangedSince *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[execution.ID] = execution
	return nil
}

func (m *memStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) { return 0, nil }

func (m *memStore) ListRecentByAccount(ctx context.Context, accountID string, limit int) ([]core.ExecutionSummary, error) {
	return nil, nil
}

var _ state.Store = (*memStore)(nil)

func newTestExecutor(t *testing.T) (*Executor, *core.Execution) {
	t.Helper()
	store := newMemStore()
	breakers := resilience.NewRegistry(func(c core.TaskClass) core.TaskClassPolicy {
		return core.TaskClassPolicy{
			MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, ExponentialBase: 2, Jitter: 0,
			CircuitFailureThreshold: 2, CircuitRecoveryTimeout: time.Minute,
		}
	}, core.NoOpLogger{})

	exec := core.NewExecution("acct-1", "us-east-1", time.Now(), time.Hour, nil)
	exec.AddCheckpoint("ec2", core.TaskClassEC2Metrics, core.CategoryCompute)
	require.NoError(t, store.Create(context.Background(), exec))

	ex := NewExecutor(store, breakers, func(c core.TaskClass) core.TaskClassPolicy {
		return core.TaskClassPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, ExponentialBase: 2, Jitter: 0}
	}, core.NoOpLogger{})
	return ex, exec
}

func TestExecutor_SucceedsFirstTry(t *testing.T) {
	ex, exec := newTestExecutor(t)
	calls := 0

	result, err := ex.Execute(context.Background(), exec, "ec2", func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"items": 7}, nil
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, map[string]interface{}{"items": 7}, result)
	assert.Equal(t, core.CheckpointCompleted, exec.Checkpoints["ec2"].Status)
}

func TestExecutor_IdempotentOnAlreadyCompleted(t *testing.T) {
	ex, exec := newTestExecutor(t)
	exec.Checkpoints["ec2"].Status = core.CheckpointCompleted
	exec.Checkpoints["ec2"].ResultSummary = map[string]interface{}{"cached": true}

	calls := 0
	result, err := ex.Execute(context.Background(), exec, "ec2", func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error) {
		calls++
		return nil, nil
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, map[string]interface{}{"cached": true}, result)
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	ex, exec := newTestExecutor(t)
	calls := 0

	result, err := ex.Execute(context.Background(), exec, "ec2", func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error) {
		calls++
		if calls < 3 {
			retryable := true
			return nil, &core.TaskError{Category: core.ErrorCategoryThrottling, Retryable: &retryable, Message: "throttled"}
		}
		return map[string]interface{}{"items": 7}, nil
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, result, map[string]interface{}{"items": 7})
	assert.Equal(t, 3, exec.Checkpoints["ec2"].RetryCount)
}

func TestExecutor_ExhaustsAndFails(t *testing.T) {
	ex, exec := newTestExecutor(t)
	calls := 0

	_, err := ex.Execute(context.Background(), exec, "ec2", func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error) {
		calls++
		retryable := true
		return nil, &core.TaskError{Category: core.ErrorCategoryServerError, Retryable: &retryable, Message: "boom"}
	}, 0)

	require.Error(t, err)
	assert.Equal(t, 4, calls) // 1 + MaxRetries(3)
	assert.Equal(t, core.CheckpointFailed, exec.Checkpoints["ec2"].Status)
}

func TestExecutor_NonRetryableFailsImmediately(t *testing.T) {
	ex, exec := newTestExecutor(t)
	calls := 0

	_, err := ex.Execute(context.Background(), exec, "ec2", func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error) {
		calls++
		return nil, &core.TaskError{Category: core.ErrorCategoryValidation, Message: "bad input"}
	}, 0)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, core.CheckpointFailed, exec.Checkpoints["ec2"].Status)
}

func TestExecutor_CircuitOpenSkipsWithoutInvocation(t *testing.T) {
	ex, exec := newTestExecutor(t)

	// Trip the breaker for EC2_METRICS with two failures (threshold=2).
	for i := 0; i < 2; i++ {
		_, _ = ex.Execute(context.Background(), exec, "ec2", func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error) {
			return nil, &core.TaskError{Category: core.ErrorCategoryValidation, Message: "bad"}
		}, 0)
		exec.Checkpoints["ec2"].Status = core.CheckpointPending // allow the next Execute call to re-enter
	}

	calls := 0
	_, err := ex.Execute(context.Background(), exec, "ec2", func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{}, nil
	}, 0)

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCircuitOpen))
	assert.Equal(t, 0, calls)
	assert.Equal(t, core.CheckpointSkipped, exec.Checkpoints["ec2"].Status)
}

func TestExecutor_CancellationLeavesCheckpointRunning(t *testing.T) {
	ex, exec := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ex.Execute(ctx, exec, "ec2", func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error) {
		t.Fatal("fn should not be invoked once ctx is already cancelled")
		return nil, nil
	}, 0)

	require.Error(t, err)
	assert.True(t, core.IsCancellation(err))
	assert.Equal(t, core.CheckpointRunning, exec.Checkpoints["ec2"].Status)
}

func TestExecutor_TimeoutProducesRetryableClassification(t *testing.T) {
	ex, exec := newTestExecutor(t)
	calls := 0

	_, err := ex.Execute(context.Background(), exec, "ec2", func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}, 2*time.Millisecond)

	require.Error(t, err)
	assert.Equal(t, 4, calls) // MaxRetries(3)+1, every attempt times out
}

func TestExecutor_UnknownServiceIsAnError(t *testing.T) {
	ex, exec := newTestExecutor(t)
	_, err := ex.Execute(context.Background(), exec, "not-registered", func(ctx context.Context, tc *TaskContext) (map[string]interface{}, error) {
		return nil, nil
	}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUnknownTaskType))
}

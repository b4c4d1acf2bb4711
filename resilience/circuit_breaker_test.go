package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/FELIPEACASTRO/finops-orchestrator-core/core"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "t", FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		require.True(t, cb.Allow())
		cb.RecordResult(errors.New("boom"))
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_ThresholdOneRejectsWithoutInvocation(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "t", FailureThreshold: 1, RecoveryTimeout: time.Minute})

	invoked := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.True(t, invoked)
	assert.Equal(t, StateOpen, cb.State())

	invoked = false
	err = cb.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	assert.True(t, errors.Is(err, core.ErrCircuitOpen))
}

func TestCircuitBreaker_HalfOpenProbeAfterRecoveryTimeout(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "t", FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	require.True(t, cb.Allow())
	cb.RecordResult(errors.New("boom"))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "t", FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond})
	require.True(t, cb.Allow())
	cb.RecordResult(errors.New("boom"))
	time.Sleep(10 * time.Millisecond)

	require.True(t, cb.Allow())
	cb.RecordResult(nil)
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "t", FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond})
	require.True(t, cb.Allow())
	cb.RecordResult(errors.New("boom"))
	time.Sleep(10 * time.Millisecond)

	require.True(t, cb.Allow())
	cb.RecordResult(errors.New("still broken"))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenAdmitsOnlyOneProbe(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "t", FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond})
	require.True(t, cb.Allow())
	cb.RecordResult(errors.New("boom"))
	time.Sleep(10 * time.Millisecond)

	require.True(t, cb.Allow())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_CancellationNotCountedAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "t", FailureThreshold: 2, RecoveryTimeout: time.Minute})
	require.True(t, cb.Allow())
	cb.RecordResult(core.ErrCancelled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_PanicIsConvertedToError(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("t"))
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		panic("unexpected")
	})
	require.Error(t, err)
}

func TestRegistry_PerClassIsolation(t *testing.T) {
	policies := map[core.TaskClass]core.TaskClassPolicy{
		core.TaskClassEC2Metrics: {CircuitFailureThreshold: 1, CircuitRecoveryTimeout: time.Minute},
	}
	reg := NewRegistry(func(c core.TaskClass) core.TaskClassPolicy {
		if p, ok := policies[c]; ok {
			return p
		}
		return core.DefaultTaskClassPolicy()
	}, nil)

	ec2 := reg.For(core.TaskClassEC2Metrics)
	require.True(t, ec2.Allow())
	ec2.RecordResult(errors.New("boom"))
	assert.Equal(t, StateOpen, ec2.State())

	lambda := reg.For(core.TaskClassLambdaMetrics)
	assert.Equal(t, StateClosed, lambda.State())
	assert.True(t, reg.For(core.TaskClassEC2Metrics) == ec2) // same instance on repeat lookup
}

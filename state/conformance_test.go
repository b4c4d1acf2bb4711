package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/FELIPEACASTRO/finops-orchestrator-core/core"
)

// buildDeepResultSummary constructs a result_summary payload exercising the
// §8 persist/load round-trip law in one shot: containers nested past depth
// 10, Unicode text, a negative value, a value at the 10^12 precision
// boundary, an explicit null, and empty containers.
func buildDeepResultSummary() map[string]interface{} {
	var inner interface{} = map[string]interface{}{
		"leaf":        "bottom",
		"empty_map":   map[string]interface{}{},
		"empty_slice": []interface{}{},
		"nothing":     nil,
	}
	for i := 0; i < 9; i++ {
		inner = map[string]interface{}{
			fmt.Sprintf("level_%d", 9-i): inner,
		}
	}

	return map[string]interface{}{
		"nested":          inner,
		"unicode":         "費用レポート — café — naïve — 🚀",
		"negative_cost":   -1234.56,
		"large_precision": 999999999999.0, // within float64's exact-integer range, just under 10^12
		"tags":            []interface{}{"ec2", "lambda", "s3"},
		"is_final":        true,
		"nothing":         nil,
	}
}

// runConformanceSuite exercises the round-trip laws every Store backend
// (§8) must satisfy, regardless of whether it is document-store or
// object-store backed. newStore is called once per subtest so backends that
// need per-test isolation (e.g. a fresh miniredis) can provide it.
func runConformanceSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("create and get round-trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exec := core.NewExecution("acct-1", "us-east-1", time.Now(), time.Hour, nil)
		exec.AddCheckpoint("ec2", core.TaskClassEC2Metrics, core.CategoryCompute)

		require.NoError(t, s.Create(ctx, exec))

		got, err := s.Get(ctx, exec.ID, exec.AccountID)
		require.NoError(t, err)
		assert.Equal(t, exec.ID, got.ID)
		assert.Equal(t, exec.AccountID, got.AccountID)
		assert.Equal(t, core.ExecutionRunning, got.Status)
		assert.Contains(t, got.Checkpoints, "ec2")
	})

	t.Run("create twice fails with already exists", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exec := core.NewExecution("acct-2", "us-east-1", time.Now(), time.Hour, nil)

		require.NoError(t, s.Create(ctx, exec))
		err := s.Create(ctx, exec)
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrAlreadyExists)
	})

	t.Run("get missing execution is not found", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Get(ctx, "exec_does_not_exist", "acct-3")
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrExecutionNotFound)
	})

	t.Run("get with mismatched account is not found", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exec := core.NewExecution("acct-4", "us-east-1", time.Now(), time.Hour, nil)
		require.NoError(t, s.Create(ctx, exec))

		_, err := s.Get(ctx, exec.ID, "some-other-account")
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrExecutionNotFound)
	})

	t.Run("get latest by account returns the most recently started", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		older := core.NewExecution("acct-5", "us-east-1", now.Add(-time.Hour), time.Hour, nil)
		newer := core.NewExecution("acct-5", "us-east-1", now, time.Hour, nil)
		require.NoError(t, s.Create(ctx, older))
		require.NoError(t, s.Create(ctx, newer))

		latest, err := s.GetLatestByAccount(ctx, "acct-5")
		require.NoError(t, err)
		assert.Equal(t, newer.ID, latest.ID)
	})

	t.Run("get latest by account with no executions is not found", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.GetLatestByAccount(ctx, "acct-never-seen")
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrExecutionNotFound)
	})

	t.Run("update without condition always succeeds", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exec := core.NewExecution("acct-6", "us-east-1", time.Now(), time.Hour, nil)
		require.NoError(t, s.Create(ctx, exec))

		exec.Status = core.ExecutionCompleted
		exec.Touch(time.Now())
		require.NoError(t, s.Update(ctx, exec, nil))

		got, err := s.Get(ctx, exec.ID, exec.AccountID)
		require.NoError(t, err)
		assert.Equal(t, core.ExecutionCompleted, got.Status)
	})

	t.Run("update with matching if_unchanged_since succeeds", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exec := core.NewExecution("acct-7", "us-east-1", time.Now(), time.Hour, nil)
		require.NoError(t, s.Create(ctx, exec))

		lastUpdated := exec.LastUpdated
		exec.Status = core.ExecutionCompleted
		exec.Touch(time.Now().Add(time.Second))
		require.NoError(t, s.Update(ctx, exec, &lastUpdated))
	})

	t.Run("update with stale if_unchanged_since fails with concurrency conflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exec := core.NewExecution("acct-8", "us-east-1", time.Now(), time.Hour, nil)
		require.NoError(t, s.Create(ctx, exec))

		exec.Status = core.ExecutionRunning
		exec.Touch(time.Now().Add(time.Second))
		require.NoError(t, s.Update(ctx, exec, nil))

		staleTimestamp := exec.StartedAt
		exec.Status = core.ExecutionCompleted
		err := s.Update(ctx, exec, &staleTimestamp)
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrConcurrencyConflict)
	})

	t.Run("list recent by account orders newest first and respects limit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		for i := 0; i < 3; i++ {
			exec := core.NewExecution("acct-9", "us-east-1", now.Add(time.Duration(i)*time.Minute), time.Hour, nil)
			require.NoError(t, s.Create(ctx, exec))
		}

		summaries, err := s.ListRecentByAccount(ctx, "acct-9", 2)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		assert.True(t, summaries[0].StartedAt.After(summaries[1].StartedAt) || summaries[0].StartedAt.Equal(summaries[1].StartedAt))
	})

	t.Run("persist and load round-trips a deep result summary exactly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exec := core.NewExecution("acct-11", "us-east-1", time.Now(), time.Hour, nil)
		exec.AddCheckpoint("ec2", core.TaskClassEC2Metrics, core.CategoryCompute)

		deep := buildDeepResultSummary()
		exec.Checkpoints["ec2"].Status = core.CheckpointCompleted
		exec.Checkpoints["ec2"].ResultSummary = deep

		require.NoError(t, s.Create(ctx, exec))

		got, err := s.Get(ctx, exec.ID, exec.AccountID)
		require.NoError(t, err)
		require.Contains(t, got.Checkpoints, "ec2")
		assert.Equal(t, deep, got.Checkpoints["ec2"].ResultSummary)
	})

	t.Run("delete expired removes only past-ttl records", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		expired := core.NewExecution("acct-10", "us-east-1", now.Add(-2*time.Hour), time.Minute, nil)
		fresh := core.NewExecution("acct-10", "us-east-1", now, time.Hour, nil)
		require.NoError(t, s.Create(ctx, expired))
		require.NoError(t, s.Create(ctx, fresh))

		n, err := s.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, expired.ID, "acct-10")
		assert.ErrorIs(t, err, core.ErrExecutionNotFound)

		_, err = s.Get(ctx, fresh.ID, "acct-10")
		assert.NoError(t, err)
	})
}

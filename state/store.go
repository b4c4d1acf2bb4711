// Package state implements the durable, checkpointed state store (C3): a
// pluggable backend for Execution records, indexed by (execution_id,
// account_id) with a secondary "most recent by account" index and TTL-based
// reclamation (§4.3).
package state

import (
	"context"
	"errors"
	"time"

	core "github.com/FELIPEACASTRO/finops-orchestrator-core/core"
)

// Store is the narrow interface the scheduler and executor depend on (§6.2).
// Both the document-store (Redis) and object-store (S3) backends satisfy it
// and must pass the shared conformance suite in conformance_test.go.
type Store interface {
	// Create writes a brand-new record, failing with core.ErrAlreadyExists
	// if one is already present at (execution.ID, execution.AccountID).
	Create(ctx context.Context, execution *core.Execution) error

	// Get returns the record for (executionID, accountID), or
	// core.ErrExecutionNotFound.
	Get(ctx context.Context, executionID, accountID string) (*core.Execution, error)

	// GetLatestByAccount returns the most recently started execution for
	// accountID, or core.ErrExecutionNotFound if the account has none.
	GetLatestByAccount(ctx context.Context, accountID string) (*core.Execution, error)

	// Update writes a full snapshot of execution. When ifUnchangedSince is
	// non-nil, the write is conditioned on the stored record's LastUpdated
	// still equalling that instant; a stale condition returns
	// core.ErrConcurrencyConflict so the caller can retry through C1.
	Update(ctx context.Context, execution *core.Execution, ifUnchangedSince *time.Time) error

	// DeleteExpired removes every record whose TTL is before cutoff and
	// returns the number of records removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)

	// ListRecentByAccount returns up to limit summaries for accountID,
	// newest first (§6.3 list_recent_by_account).
	ListRecentByAccount(ctx context.Context, accountID string, limit int) ([]core.ExecutionSummary, error)
}

var errInvalidArgument = errors.New("state: invalid argument")

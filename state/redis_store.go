package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	core "github.com/FELIPEACASTRO/finops-orchestrator-core/core"
)

// RedisStore is the document-store backend (§4.3): native primary key via a
// string record, a per-account sorted-set secondary index for
// GetLatestByAccount/ListRecentByAccount, and a global sorted-set TTL index
// for DeleteExpired. Conditional updates use Redis WATCH/MULTI so a stale
// writer never clobbers a newer one silently.
type RedisStore struct {
	client    *core.RedisClient
	keyPrefix string
	logger    core.Logger
}

// NewRedisStore builds a document-store backend over an already-connected
// RedisClient (core.NewRedisClient).
func NewRedisStore(client *core.RedisClient, keyPrefix string, logger core.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = core.DefaultKeyPrefix
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, logger: logger}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) recordKey(executionID string) string {
	return s.keyPrefix + "exec:" + executionID
}

func (s *RedisStore) accountIndexKey(accountID string) string {
	return s.keyPrefix + "account:" + accountID + ":index"
}

func (s *RedisStore) ttlIndexKey() string {
	return s.keyPrefix + "ttl_index"
}

func (s *RedisStore) ttlIndexMember(execution *core.Execution) string {
	return execution.AccountID + "|" + execution.ID
}

func (s *RedisStore) Create(ctx context.Context, execution *core.Execution) error {
	if execution == nil || execution.ID == "" || execution.AccountID == "" {
		return fmt.Errorf("%w: execution with id and account_id required", errInvalidArgument)
	}

	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("state: marshal execution: %w", err)
	}

	ttl := time.Until(execution.TTL)
	if ttl <= 0 {
		// Redis rejects a non-positive expiry; a record already past its TTL
		// is stored without one and left for DeleteExpired to reclaim.
		ttl = 0
	}
	ok, err := s.client.Raw().SetNX(ctx, s.recordKey(execution.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("state: create %s: %w", execution.ID, err)
	}
	if !ok {
		return fmt.Errorf("state: execution %s: %w", execution.ID, core.ErrAlreadyExists)
	}

	s.indexAfterWrite(ctx, execution, ttl)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, executionID, accountID string) (*core.Execution, error) {
	data, err := s.client.Raw().Get(ctx, s.recordKey(executionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("state: %s: %w", executionID, core.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("state: get %s: %w", executionID, err)
	}

	var execution core.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("state: unmarshal %s: %w", executionID, err)
	}
	if accountID != "" && execution.AccountID != accountID {
		return nil, fmt.Errorf("state: %s: %w", executionID, core.ErrExecutionNotFound)
	}
	return &execution, nil
}

func (s *RedisStore) GetLatestByAccount(ctx context.Context, accountID string) (*core.Execution, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, s.accountIndexKey(accountID), "+inf", "-inf", 1)
	if err != nil {
		return nil, fmt.Errorf("state: list account %s: %w", accountID, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("state: account %s: %w", accountID, core.ErrExecutionNotFound)
	}
	return s.Get(ctx, ids[0], accountID)
}

func (s *RedisStore) Update(ctx context.Context, execution *core.Execution, ifUnchangedSince *time.Time) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("%w: execution with id required", errInvalidArgument)
	}

	key := s.recordKey(execution.ID)
	ttl := time.Until(execution.TTL)

	txFn := func(tx *goredis.Tx) error {
		if ifUnchangedSince != nil {
			current, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				return fmt.Errorf("state: %s: %w", execution.ID, core.ErrExecutionNotFound)
			}
			if err != nil {
				return fmt.Errorf("state: read-before-update %s: %w", execution.ID, err)
			}
			var currentExec core.Execution
			if err := json.Unmarshal(current, &currentExec); err != nil {
				return fmt.Errorf("state: unmarshal %s: %w", execution.ID, err)
			}
			if !currentExec.LastUpdated.Equal(*ifUnchangedSince) {
				return fmt.Errorf("state: %s: %w", execution.ID, core.ErrConcurrencyConflict)
			}
		}

		data, err := json.Marshal(execution)
		if err != nil {
			return fmt.Errorf("state: marshal %s: %w", execution.ID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	if err := s.client.Raw().Watch(ctx, txFn, key); err != nil {
		return err
	}

	s.indexAfterWrite(ctx, execution, ttl)
	return nil
}

func (s *RedisStore) indexAfterWrite(ctx context.Context, execution *core.Execution, ttl time.Duration) {
	score := float64(execution.StartedAt.UnixNano())
	if err := s.client.ZAdd(ctx, s.accountIndexKey(execution.AccountID), score, execution.ID); err != nil {
		s.logger.Warn("failed to update account index", map[string]interface{}{"execution_id": execution.ID, "error": err.Error()})
	}
	ttlScore := float64(execution.TTL.UnixNano())
	if err := s.client.ZAdd(ctx, s.ttlIndexKey(), ttlScore, s.ttlIndexMember(execution)); err != nil {
		s.logger.Warn("failed to update ttl index", map[string]interface{}{"execution_id": execution.ID, "error": err.Error()})
	}
	_ = ttl
}

func (s *RedisStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	members, err := s.client.ZRevRangeByScore(ctx, s.ttlIndexKey(), fmt.Sprintf("%d", cutoff.UnixNano()), "-inf", 0)
	if err != nil {
		return 0, fmt.Errorf("state: scan ttl index: %w", err)
	}

	deleted := 0
	for _, member := range members {
		accountID, executionID, ok := splitTTLMember(member)
		if !ok {
			continue
		}
		if err := s.client.Raw().Del(ctx, s.recordKey(executionID)).Err(); err != nil {
			s.logger.Warn("failed to delete expired record", map[string]interface{}{"execution_id": executionID, "error": err.Error()})
			continue
		}
		_ = s.client.ZRem(ctx, s.accountIndexKey(accountID), executionID)
		_ = s.client.ZRem(ctx, s.ttlIndexKey(), member)
		deleted++
	}
	return deleted, nil
}

func (s *RedisStore) ListRecentByAccount(ctx context.Context, accountID string, limit int) ([]core.ExecutionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.accountIndexKey(accountID), "+inf", "-inf", int64(limit))
	if err != nil {
		return nil, fmt.Errorf("state: list recent for %s: %w", accountID, err)
	}

	summaries := make([]core.ExecutionSummary, 0, len(ids))
	for _, id := range ids {
		execution, err := s.Get(ctx, id, accountID)
		if err != nil {
			_ = s.client.ZRem(ctx, s.accountIndexKey(accountID), id)
			continue
		}
		summaries = append(summaries, execution.Summarize())
	}
	return summaries, nil
}

func splitTTLMember(member string) (accountID, executionID string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

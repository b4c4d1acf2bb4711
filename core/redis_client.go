// Package core provides the ambient stack shared by every orchestrator
// package: structured logging, the error taxonomy, configuration, the
// orchestration data model, and this Redis client wrapper.
//
// RedisClient wraps go-redis with database isolation and key namespacing
// so the document-store state backend and any future Redis-backed component
// can share one connection style without stepping on each other's keyspace.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient provides a simplified Redis interface with DB isolation.
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL  string
	DB        int
	Namespace string
	Logger    Logger
}

// NewRedisClient creates a new Redis client with specified options.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", opts.DB, ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		dbID:      opts.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}

	if rc.logger != nil {
		rc.logger.Info("Redis client connected", map[string]interface{}{
			"db":        opts.DB,
			"db_name":   GetRedisDBName(opts.DB),
			"namespace": opts.Namespace,
		})
	}

	return rc, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// GetDB returns the DB number being used.
func (r *RedisClient) GetDB() int {
	return r.dbID
}

// GetNamespace returns the namespace being used.
func (r *RedisClient) GetNamespace() string {
	return r.namespace
}

// Raw returns the underlying go-redis client for operations this wrapper
// doesn't expose (pipelines, Lua scripts, BRPop/LPush on task queues).
func (r *RedisClient) Raw() *redis.Client {
	return r.client
}

func (r *RedisClient) formatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// Get retrieves a value.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, r.formatKey(key)).Result()
}

// Set stores a value with optional TTL.
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.formatKey(key), value, ttl).Err()
}

// Del deletes keys.
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formattedKeys := make([]string, len(keys))
	for i, key := range keys {
		formattedKeys[i] = r.formatKey(key)
	}
	return r.client.Del(ctx, formattedKeys...).Err()
}

// Exists reports whether a key exists.
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.formatKey(key)).Result()
	return n > 0, err
}

// TTL gets the TTL of a key.
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.formatKey(key)).Result()
}

// ZAdd adds one member with score to a sorted set, used for the
// account-ordered and TTL-ordered secondary indexes.
func (r *RedisClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.client.ZAdd(ctx, r.formatKey(key), &redis.Z{Score: score, Member: member}).Err()
}

// ZRevRangeByScore reads a sorted-set range in descending score order,
// [max, min] inclusive, capped at count results (0 = unlimited).
func (r *RedisClient) ZRevRangeByScore(ctx context.Context, key string, max, min string, count int64) ([]string, error) {
	opt := &redis.ZRangeBy{Max: max, Min: min}
	if count > 0 {
		opt.Count = count
	}
	return r.client.ZRevRangeByScore(ctx, r.formatKey(key), opt).Result()
}

// ZRem removes members from a sorted set.
func (r *RedisClient) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.ZRem(ctx, r.formatKey(key), args...).Err()
}

// HealthCheck verifies Redis connectivity.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Standard Redis DB allocation for the orchestrator. Applications embedding
// this core alongside other Redis-backed subsystems should keep to these
// so key spaces stay predictable across deployments.
const (
	// RedisDBExecutions holds Execution/Checkpoint document-store records.
	RedisDBExecutions = 0

	// RedisDBCircuitState holds any durable circuit-breaker bookkeeping
	// (process-local by default, but a DB is reserved for a shared mode).
	RedisDBCircuitState = 1

	// RedisDBTaskQueue holds the optional Redis-backed task queue.
	RedisDBTaskQueue = 2
)

// GetRedisDBName returns a human-readable name for the Redis DB.
func GetRedisDBName(db int) string {
	switch db {
	case RedisDBExecutions:
		return "Executions"
	case RedisDBCircuitState:
		return "Circuit State"
	case RedisDBTaskQueue:
		return "Task Queue"
	default:
		return fmt.Sprintf("DB %d", db)
	}
}

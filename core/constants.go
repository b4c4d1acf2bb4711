package core

import "time"

// Environment variable names read by Config (see config.go).
const (
	EnvMaxConcurrent       = "FINOPS_ORCH_MAX_CONCURRENT"
	EnvStaleThresholdHours = "FINOPS_ORCH_STALE_THRESHOLD_HOURS"
	EnvTTLDays             = "FINOPS_ORCH_TTL_DAYS"
	EnvPerTaskTimeout      = "FINOPS_ORCH_PER_TASK_TIMEOUT"
	EnvRedisURL            = "FINOPS_ORCH_REDIS_URL"
	EnvStateBackend        = "FINOPS_ORCH_STATE_BACKEND" // "redis" | "s3"
	EnvS3Bucket            = "FINOPS_ORCH_STATE_BUCKET"
	EnvDevMode             = "DEV_MODE"
)

// Default configuration values, mirrored by Config's struct tags.
const (
	DefaultMaxConcurrent       = 3
	DefaultStaleThresholdHours = 2.0
	DefaultTTLDays             = 30
	DefaultPerTaskTimeout      = 5 * time.Minute
)

// ResultSummaryMaxBytes bounds a task's opaque result_summary payload (§6.1).
const ResultSummaryMaxBytes = 256 * 1024

// DefaultKeyPrefix namespaces every key the document-store backend writes.
const DefaultKeyPrefix = "finops:orchestrator:"

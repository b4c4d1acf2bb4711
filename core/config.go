package core

import (
	"os"
	"strconv"
	"time"
)

// Config is the orchestrator-wide configuration (§6.5). Values are resolved
// in three layers, lowest to highest precedence: compiled-in defaults,
// environment variable overrides (struct tags below), then functional
// options applied by the caller at construction time.
type Config struct {
	MaxConcurrent       int           `env:"FINOPS_ORCH_MAX_CONCURRENT" default:"3"`
	StaleThresholdHours float64       `env:"FINOPS_ORCH_STALE_THRESHOLD_HOURS" default:"2"`
	TTLDays             int           `env:"FINOPS_ORCH_TTL_DAYS" default:"30"`
	PerTaskTimeout      time.Duration `env:"FINOPS_ORCH_PER_TASK_TIMEOUT" default:"5m"`

	// TaskClassPolicies holds the per-task-class RetryPolicy + CircuitBreakerConfig
	// table. Never read from a process-global; always injected (§9 "per-task-class
	// config maps... reframe as a policy table injected at construction").
	TaskClassPolicies map[TaskClass]TaskClassPolicy

	Logger Logger
}

// TaskClassPolicy bundles the retry and circuit-breaker knobs for one task class (§6.5).
type TaskClassPolicy struct {
	MaxRetries              int
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	ExponentialBase         float64
	Jitter                  float64
	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration
}

// Option configures a Config at construction time.
type Option func(*Config)

// WithMaxConcurrent overrides the wave-level concurrency bound.
func WithMaxConcurrent(n int) Option {
	return func(c *Config) { c.MaxConcurrent = n }
}

// WithStaleThreshold overrides the resume-vs-new-execution cutoff.
func WithStaleThreshold(h float64) Option {
	return func(c *Config) { c.StaleThresholdHours = h }
}

// WithTTL overrides record retention, in days.
func WithTTL(days int) Option {
	return func(c *Config) { c.TTLDays = days }
}

// WithDefaultTaskTimeout overrides the default per-attempt wall-clock cap.
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(c *Config) { c.PerTaskTimeout = d }
}

// WithTaskClassPolicy registers (or overrides) the policy for one task class.
func WithTaskClassPolicy(class TaskClass, policy TaskClassPolicy) Option {
	return func(c *Config) {
		if c.TaskClassPolicies == nil {
			c.TaskClassPolicies = make(map[TaskClass]TaskClassPolicy)
		}
		c.TaskClassPolicies[class] = policy
	}
}

// WithLogger overrides the logger used across the orchestrator.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultTaskClassPolicy is applied to any task class without an explicit entry.
func DefaultTaskClassPolicy() TaskClassPolicy {
	return TaskClassPolicy{
		MaxRetries:              3,
		BaseDelay:               1 * time.Second,
		MaxDelay:                60 * time.Second,
		ExponentialBase:         2.0,
		Jitter:                  0.25,
		CircuitFailureThreshold: 5,
		CircuitRecoveryTimeout:  60 * time.Second,
	}
}

// DefaultConfig returns compiled-in defaults before environment or option overrides.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:       DefaultMaxConcurrent,
		StaleThresholdHours: DefaultStaleThresholdHours,
		TTLDays:             DefaultTTLDays,
		PerTaskTimeout:      DefaultPerTaskTimeout,
		TaskClassPolicies:   map[TaskClass]TaskClassPolicy{},
		Logger:              NoOpLogger{},
	}
}

// loadFromEnv applies environment variable overrides for the scalar fields.
// This mirrors the host framework's env-tag convention without requiring
// reflection: each field is resolved explicitly.
func loadFromEnv(c *Config) {
	if v := os.Getenv(EnvMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrent = n
		}
	}
	if v := os.Getenv(EnvStaleThresholdHours); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.StaleThresholdHours = f
		}
	}
	if v := os.Getenv(EnvTTLDays); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TTLDays = n
		}
	}
	if v := os.Getenv(EnvPerTaskTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PerTaskTimeout = d
		}
	}
}

// PolicyFor returns the effective TaskClassPolicy for class, falling back to
// DefaultTaskClassPolicy when none was registered.
func (c *Config) PolicyFor(class TaskClass) TaskClassPolicy {
	if p, ok := c.TaskClassPolicies[class]; ok {
		return p
	}
	return DefaultTaskClassPolicy()
}

// StaleThreshold returns StaleThresholdHours as a time.Duration.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdHours * float64(time.Hour))
}

// TTL returns TTLDays as a time.Duration.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// NewConfig builds a Config by layering defaults, then environment
// variables, then the supplied functional options, in that precedence order.
func NewConfig(opts ...Option) *Config {
	c := DefaultConfig()
	loadFromEnv(c)
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = NoOpLogger{}
	}
	return c
}

// Package core holds the ambient stack (logging, errors, configuration) and
// the orchestration data model shared by the resilience, state, executor,
// and scheduler packages: Execution, Checkpoint, TaskClass, and the error
// taxonomy the retry engine classifies against.
package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of a whole analysis run (§3).
type ExecutionStatus string

const (
	ExecutionPending            ExecutionStatus = "PENDING"
	ExecutionRunning            ExecutionStatus = "RUNNING"
	ExecutionCompleted          ExecutionStatus = "COMPLETED"
	ExecutionPartiallyCompleted ExecutionStatus = "PARTIALLY_COMPLETED"
	ExecutionFailed             ExecutionStatus = "FAILED"
	ExecutionCancelled          ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the execution will not transition further on its own.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionPartiallyCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// CheckpointStatus is the lifecycle state of a single task within an execution (§3).
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "PENDING"
	CheckpointRunning  CheckpointStatus = "RUNNING"
	CheckpointCompleted CheckpointStatus = "COMPLETED"
	CheckpointFailed   CheckpointStatus = "FAILED"
	CheckpointSkipped  CheckpointStatus = "SKIPPED"
	CheckpointRetrying CheckpointStatus = "RETRYING"
)

// IsTerminal reports whether the checkpoint satisfies a dependent's wait (§4.5):
// a dependency is satisfied whether the parent succeeded, failed, or was skipped.
func (s CheckpointStatus) IsTerminal() bool {
	switch s {
	case CheckpointCompleted, CheckpointFailed, CheckpointSkipped:
		return true
	default:
		return false
	}
}

// ServiceCategory groups task classes for reporting; advisory only (§3).
type ServiceCategory string

const (
	CategoryCompute        ServiceCategory = "COMPUTE"
	CategoryStorage        ServiceCategory = "STORAGE"
	CategoryDatabase       ServiceCategory = "DATABASE"
	CategoryNetworking     ServiceCategory = "NETWORKING"
	CategoryAnalytics      ServiceCategory = "ANALYTICS"
	CategoryMachineLearning ServiceCategory = "MACHINE_LEARNING"
	CategoryManagement     ServiceCategory = "MANAGEMENT"
	CategorySecurity       ServiceCategory = "SECURITY"
	CategoryCost           ServiceCategory = "COST"
)

// TaskClass is the fixed enumeration driving retry/circuit-breaker policy
// selection (§3). The mapping from service_name to TaskClass is static
// configuration owned by the host, not this core.
type TaskClass string

const (
	TaskClassCostAnalysis         TaskClass = "COST_ANALYSIS"
	TaskClassEC2Metrics           TaskClass = "EC2_METRICS"
	TaskClassLambdaMetrics        TaskClass = "LAMBDA_METRICS"
	TaskClassRDSMetrics           TaskClass = "RDS_METRICS"
	TaskClassS3Metrics            TaskClass = "S3_METRICS"
	TaskClassEC2Recommendations   TaskClass = "EC2_RECOMMENDATIONS"
	TaskClassLambdaRecommendations TaskClass = "LAMBDA_RECOMMENDATIONS"
	TaskClassRDSRecommendations   TaskClass = "RDS_RECOMMENDATIONS"
	TaskClassReportGeneration     TaskClass = "REPORT_GENERATION"
)

// ErrorCategory classifies a task failure for retry/circuit-breaker decisions (§4.1).
type ErrorCategory string

const (
	ErrorCategoryTransient        ErrorCategory = "TRANSIENT"
	ErrorCategoryThrottling       ErrorCategory = "THROTTLING"
	ErrorCategoryTimeout          ErrorCategory = "TIMEOUT"
	ErrorCategoryNetworkError     ErrorCategory = "NETWORK_ERROR"
	ErrorCategoryClientError      ErrorCategory = "CLIENT_ERROR"
	ErrorCategoryServerError      ErrorCategory = "SERVER_ERROR"
	ErrorCategoryAuthentication   ErrorCategory = "AUTHENTICATION"
	ErrorCategoryAuthorization    ErrorCategory = "AUTHORIZATION"
	ErrorCategoryResourceNotFound ErrorCategory = "RESOURCE_NOT_FOUND"
	ErrorCategoryValidation       ErrorCategory = "VALIDATION"
	ErrorCategoryUnknown          ErrorCategory = "UNKNOWN"
)

// RetryDecision is the outcome of evaluating a failed attempt against a RetryPolicy (§4.1).
type RetryDecision string

const (
	RetryDecisionRetryWithBackoff RetryDecision = "RETRY_WITH_BACKOFF"
	RetryDecisionRetryImmediately RetryDecision = "RETRY_IMMEDIATELY"
	RetryDecisionStop             RetryDecision = "STOP"
)

// Checkpoint is the durable progress record for one (execution, service) pair (§3).
type Checkpoint struct {
	ServiceName       string                 `json:"service_name"`
	TaskClass         TaskClass              `json:"task_class"`
	Category          ServiceCategory        `json:"category"`
	Status            CheckpointStatus       `json:"status"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	LastCheckpointAt  time.Time              `json:"last_checkpoint_at"`
	ItemsProcessed    int64                  `json:"items_processed"`
	ItemsTotal        int64                  `json:"items_total"`
	LastProcessedID   string                 `json:"last_processed_id,omitempty"`
	ResultSummary     map[string]interface{} `json:"result_summary,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	RetryCount        int                    `json:"retry_count"`
}

// ProgressPercentage returns the derived completion percentage (§3).
func (c *Checkpoint) ProgressPercentage() float64 {
	if c.ItemsTotal <= 0 {
		return 0
	}
	return 100 * float64(c.ItemsProcessed) / float64(c.ItemsTotal)
}

// NewCheckpoint builds a PENDING checkpoint for a service in the given task class.
func NewCheckpoint(serviceName string, class TaskClass, category ServiceCategory) *Checkpoint {
	return &Checkpoint{
		ServiceName:      serviceName,
		TaskClass:        class,
		Category:         category,
		Status:           CheckpointPending,
		LastCheckpointAt: time.Now().UTC(),
	}
}

// ExecutionCounters are derived, recomputed from Checkpoints on read (§3).
type ExecutionCounters struct {
	TotalServices       int   `json:"total_services"`
	CompletedServices   int   `json:"completed_services"`
	FailedServices      int   `json:"failed_services"`
	SkippedServices     int   `json:"skipped_services"`
	PendingServices     int   `json:"pending_services"`
	RunningServices     int   `json:"running_services"`
	TotalItemsProcessed int64 `json:"total_items_processed"`
}

// Execution represents one analysis run for one account (§3).
type Execution struct {
	ID            string                 `json:"id"`
	AccountID     string                 `json:"account_id"`
	Region        string                 `json:"region"`
	Status        ExecutionStatus        `json:"status"`
	StartedAt     time.Time              `json:"started_at"`
	LastUpdated   time.Time              `json:"last_updated"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	TTL           time.Time              `json:"ttl"`
	Checkpoints   map[string]*Checkpoint `json:"checkpoints"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// NewExecutionID generates a globally unique, lexicographically sortable
// execution id in the form exec_YYYYMMDD_HHMMSS_<uuid-suffix> (§6.4).
func NewExecutionID(now time.Time) string {
	return fmt.Sprintf("exec_%s_%s", now.UTC().Format("20060102_150405"), uuid.New().String()[:8])
}

// NewExecution creates a fresh RUNNING execution with no checkpoints populated yet;
// callers pre-populate Checkpoints via AddCheckpoint for every known task class.
func NewExecution(accountID, region string, now time.Time, ttl time.Duration, metadata map[string]string) *Execution {
	return &Execution{
		ID:          NewExecutionID(now),
		AccountID:   accountID,
		Region:      region,
		Status:      ExecutionRunning,
		StartedAt:   now.UTC(),
		LastUpdated: now.UTC(),
		TTL:         now.UTC().Add(ttl),
		Checkpoints: make(map[string]*Checkpoint),
		Metadata:    metadata,
	}
}

// AddCheckpoint registers a PENDING checkpoint for a service, keyed by service name.
func (e *Execution) AddCheckpoint(serviceName string, class TaskClass, category ServiceCategory) {
	e.Checkpoints[serviceName] = NewCheckpoint(serviceName, class, category)
}

// Counters recomputes the derived counters from the current checkpoint set (§3).
func (e *Execution) Counters() ExecutionCounters {
	c := ExecutionCounters{TotalServices: len(e.Checkpoints)}
	for _, cp := range e.Checkpoints {
		switch cp.Status {
		case CheckpointCompleted:
			c.CompletedServices++
		case CheckpointFailed:
			c.FailedServices++
		case CheckpointSkipped:
			c.SkippedServices++
		case CheckpointPending, CheckpointRetrying:
			c.PendingServices++
		case CheckpointRunning:
			c.RunningServices++
		}
		c.TotalItemsProcessed += cp.ItemsProcessed
	}
	return c
}

// Touch bumps LastUpdated to now; callers must call this on every mutation
// so it stays monotonically non-decreasing (§3 invariant).
func (e *Execution) Touch(now time.Time) {
	now = now.UTC()
	if now.After(e.LastUpdated) {
		e.LastUpdated = now
	}
}

// Finalize transitions the execution to a terminal status and stamps CompletedAt (§4.5 step 3).
func (e *Execution) Finalize(now time.Time) {
	counters := e.Counters()
	if counters.FailedServices > 0 {
		e.Status = ExecutionPartiallyCompleted
	} else {
		e.Status = ExecutionCompleted
	}
	now = now.UTC()
	e.CompletedAt = &now
	e.Touch(now)
}

// ExecutionSummary is the lightweight listing projection (§6.3).
type ExecutionSummary struct {
	ExecutionID        string          `json:"execution_id"`
	AccountID          string          `json:"account_id"`
	Status             ExecutionStatus `json:"status"`
	TotalServices      int             `json:"total_services"`
	CompletedServices  int             `json:"completed_services"`
	FailedServices     int             `json:"failed_services"`
	StartedAt          time.Time       `json:"started_at"`
	LastUpdated        time.Time       `json:"last_updated"`
}

// Summarize projects an Execution down to its ExecutionSummary.
func (e *Execution) Summarize() ExecutionSummary {
	c := e.Counters()
	return ExecutionSummary{
		ExecutionID:       e.ID,
		AccountID:         e.AccountID,
		Status:            e.Status,
		TotalServices:     c.TotalServices,
		CompletedServices: c.CompletedServices,
		FailedServices:    c.FailedServices,
		StartedAt:         e.StartedAt,
		LastUpdated:       e.LastUpdated,
	}
}

// Progress is the exposed progress/status surface (§6.3).
type Progress struct {
	Status              ExecutionStatus             `json:"status"`
	TotalServices        int                        `json:"total_services"`
	CompletedServices    int                        `json:"completed_services"`
	FailedServices       int                        `json:"failed_services"`
	ServicesByStatus     map[CheckpointStatus]int    `json:"services_by_status"`
	StartedAt            time.Time                  `json:"started_at"`
	LastUpdated          time.Time                  `json:"last_updated"`
	ElapsedSeconds       float64                    `json:"elapsed_seconds"`
	ProgressPercentage   float64                    `json:"progress_percentage"`
}

// BuildProgress computes the progress surface for an execution as of now.
func BuildProgress(e *Execution, now time.Time) Progress {
	counters := e.Counters()
	byStatus := map[CheckpointStatus]int{}
	for _, cp := range e.Checkpoints {
		byStatus[cp.Status]++
	}
	pct := 0.0
	if counters.TotalServices > 0 {
		pct = 100 * float64(counters.CompletedServices+counters.FailedServices+counters.SkippedServices) / float64(counters.TotalServices)
	}
	end := now
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	return Progress{
		Status:             e.Status,
		TotalServices:       counters.TotalServices,
		CompletedServices:   counters.CompletedServices,
		FailedServices:      counters.FailedServices,
		ServicesByStatus:    byStatus,
		StartedAt:           e.StartedAt,
		LastUpdated:         e.LastUpdated,
		ElapsedSeconds:      end.Sub(e.StartedAt).Seconds(),
		ProgressPercentage:  pct,
	}
}

// RetryMetrics are process-local, per-task-class observability counters (§3).
// Not required to be durable.
type RetryMetrics struct {
	TotalAttempts      int64
	SuccessfulAttempts int64
	FailedAttempts     int64
	RetriesExhausted   int64
	TotalRetryTime     time.Duration
	ErrorsByCategory   map[ErrorCategory]int64
	LastError          string
	LastSuccessAt      *time.Time
}

// SuccessRate returns the fraction of attempts that succeeded, or 0 if none were made.
func (m *RetryMetrics) SuccessRate() float64 {
	if m.TotalAttempts == 0 {
		return 0
	}
	return float64(m.SuccessfulAttempts) / float64(m.TotalAttempts)
}

// Package queue implements the durable database-backed job queue and its
// worker pool.
//
// Jobs are claimed with FOR UPDATE SKIP LOCKED under a lease; a heartbeat
// extends the lease while the handler runs, and the orphan scanner returns
// expired leases to pending so a crashed replica's work is re-run elsewhere.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobType identifies the handler a job is dispatched to.
type JobType string

const (
	TypeProcessWebhook  JobType = "process_webhook"
	TypeGenerateReply   JobType = "generate_reply"
	TypeDeliverOutbound JobType = "deliver_outbound"
	TypeFollowUp        JobType = "follow_up"
	TypeCleanup         JobType = "cleanup"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Priorities. Customer-visible work outranks maintenance.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
)

// Job is one unit of queued work.
type Job struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Type         JobType
	Payload      json.RawMessage
	Priority     int
	Status       Status
	AttemptCount int
	MaxAttempts  int
	NextAttempt  time.Time
	DeadlineAt   *time.Time
	LastError    string
	CreatedAt    time.Time
}

// Handler executes one job type. A nil return marks the job succeeded; an
// error is classified through the faults package to decide retry vs. dead.
type Handler interface {
	Execute(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, job *Job) error { return f(ctx, job) }

// Sentinel errors used by the polling loop.
var (
	ErrNoJobsAvailable = errors.New("no claimable jobs")
	ErrAtCapacity      = errors.New("worker pool at capacity")
)

// maxAttemptsFor is the per-type retry budget.
func maxAttemptsFor(t JobType) int {
	switch t {
	case TypeGenerateReply:
		return 3
	case TypeFollowUp:
		return 8
	case TypeCleanup:
		return 3
	default: // process_webhook, deliver_outbound
		return 5
	}
}

// PoolHealth is the pool's health snapshot for the health endpoint.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/replyloop/replyloop/pkg/database"
)

// Queue enqueues jobs and exposes queue-level queries. Claiming and
// completion live on the worker.
type Queue struct {
	db       *database.Client
	enqueued *prometheus.CounterVec
}

// New creates the queue. enqueuedCounter may be nil.
func New(db *database.Client, enqueuedCounter *prometheus.CounterVec) *Queue {
	if db == nil {
		panic("queue.New: db must not be nil")
	}
	return &Queue{db: db, enqueued: enqueuedCounter}
}

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	TenantID uuid.UUID
	Type     JobType
	Payload  any
	Priority int
	// RunAfter delays the first attempt; zero means immediately.
	RunAfter time.Duration
	// Deadline marks the job pointless after this instant; the worker
	// cancels it without burning attempts. Zero means no deadline.
	Deadline time.Time
}

// Enqueue inserts a pending job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling job payload: %w", err)
	}
	if req.Priority < PriorityLow || req.Priority > PriorityCritical {
		req.Priority = PriorityNormal
	}

	id := uuid.New()
	var deadline *time.Time
	if !req.Deadline.IsZero() {
		deadline = &req.Deadline
	}
	err = q.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, tenant_id, type, payload, priority, max_attempts,
			                  next_attempt_at, deadline_at)
			VALUES ($1, $2, $3, $4, $5, $6, now() + $7, $8)`,
			id, req.TenantID, req.Type, payload, req.Priority,
			maxAttemptsFor(req.Type), req.RunAfter, deadline)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueueing %s job: %w", req.Type, err)
	}
	if q.enqueued != nil {
		q.enqueued.WithLabelValues(string(req.Type), strconv.Itoa(req.Priority)).Inc()
	}
	return id, nil
}

// Depth counts pending jobs, for health and the queue-depth gauge.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT count(*) FROM jobs WHERE status = 'pending'`).Scan(&depth)
	})
	if err != nil {
		return 0, fmt.Errorf("counting pending jobs: %w", err)
	}
	return depth, nil
}

// retryDelay computes the backoff before attempt n (1-based), capped at max
// with ±10% jitter so synchronized failures do not retry in lockstep.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * jitter)
}

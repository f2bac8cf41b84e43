package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/replyloop/replyloop/pkg/config"
	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/pkg/faults"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id       string
	podID    string
	db       *database.Client
	config   *config.QueueConfig
	handlers map[JobType]Handler
	pool     JobRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	completed *prometheus.CounterVec
	latency   *prometheus.HistogramVec

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// JobRegistry is the subset of WorkerPool used by Worker for cancel registration.
type JobRegistry interface {
	RegisterJob(jobID string, cancel context.CancelFunc)
	UnregisterJob(jobID string)
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, db *database.Client, cfg *config.QueueConfig, handlers map[JobType]Handler, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		db:           db,
		config:       cfg,
		handlers:     handlers,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next job and runs its handler.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.claimNextJob(ctx)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "job_type", job.Type, "worker_id", w.id,
		"tenant_id", job.TenantID, "attempt", job.AttemptCount)
	log.Info("Job claimed")

	// A job past its deadline is pointless work; cancel it without burning
	// an attempt on the handler.
	if job.DeadlineAt != nil && time.Now().After(*job.DeadlineAt) {
		log.Warn("Job deadline passed, cancelling")
		return w.cancelDeadline(job)
	}

	w.setStatus(WorkerStatusWorking, job.ID.String())
	defer w.setStatus(WorkerStatusIdle, "")

	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.VisibilityTimeout)
	defer cancelJob()

	w.pool.RegisterJob(job.ID.String(), cancelJob)
	defer w.pool.UnregisterJob(job.ID.String())

	// Lease heartbeat for orphan detection.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	handler, ok := w.handlers[job.Type]
	var execErr error
	start := time.Now()
	if !ok {
		execErr = faults.Newf(faults.KindInternal, "NO_HANDLER", "no handler for job type %s", job.Type)
	} else {
		execErr = handler.Execute(jobCtx, job)
	}
	cancelHeartbeat()
	if w.latency != nil {
		w.latency.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	}

	// Terminal status writes use a background context: the job context may
	// already be cancelled.
	outcome, err := w.finish(context.Background(), job, execErr)
	if err != nil {
		log.Error("Failed to record job outcome", "error", err)
		return err
	}
	if w.completed != nil {
		w.completed.WithLabelValues(string(job.Type), outcome).Inc()
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	if execErr != nil {
		log.Warn("Job attempt failed", "error", execErr, "error_code", faults.CodeOf(execErr))
	} else {
		log.Info("Job complete")
	}
	return nil
}

// claimNextJob atomically claims the next runnable job with
// FOR UPDATE SKIP LOCKED. Ready jobs are ordered by priority then age, and
// a tenant already at its in-flight cap is skipped so one noisy tenant
// cannot monopolize the pool.
func (w *Worker) claimNextJob(ctx context.Context) (*Job, error) {
	var job Job
	err := w.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, tenant_id, type, payload, priority, attempt_count,
			       max_attempts, deadline_at, created_at
			FROM jobs
			WHERE status = 'pending'
			  AND next_attempt_at <= now()
			  AND (SELECT count(*) FROM jobs inflight
			       WHERE inflight.tenant_id = jobs.tenant_id
			         AND inflight.status = 'in_flight') < $1
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE OF jobs SKIP LOCKED`, w.config.PerTenantConcurrency)
		if err := row.Scan(&job.ID, &job.TenantID, &job.Type, &job.Payload,
			&job.Priority, &job.AttemptCount, &job.MaxAttempts,
			&job.DeadlineAt, &job.CreatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNoJobsAvailable
			}
			return fmt.Errorf("querying pending jobs: %w", err)
		}

		_, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'in_flight', pod_id = $1, attempt_count = attempt_count + 1,
			    lease_expires_at = now() + $2, updated_at = now()
			WHERE id = $3`, w.podID, w.config.VisibilityTimeout, job.ID)
		if err != nil {
			return fmt.Errorf("claiming job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	job.AttemptCount++
	job.Status = StatusInFlight
	return &job, nil
}

// runHeartbeat periodically extends the lease for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID uuid.UUID) {
	interval := w.config.VisibilityTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.db.WithAdmin(ctx, func(tx pgx.Tx) error {
				_, err := tx.Exec(ctx, `
					UPDATE jobs SET lease_expires_at = now() + $1, updated_at = now()
					WHERE id = $2 AND status = 'in_flight'`,
					w.config.VisibilityTimeout, jobID)
				return err
			})
			if err != nil {
				slog.Warn("Lease heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// finish records the job outcome: success, a scheduled retry, or a
// dead-letter handoff when the attempt budget is spent or the error is
// terminal.
func (w *Worker) finish(ctx context.Context, job *Job, execErr error) (string, error) {
	if execErr == nil {
		return "succeeded", w.db.WithAdmin(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				UPDATE jobs SET status = 'succeeded', lease_expires_at = NULL,
				                last_error = NULL, updated_at = now()
				WHERE id = $1`, job.ID)
			return err
		})
	}

	kind := faults.KindOf(execErr)
	retry := kind.Retryable() && job.AttemptCount < job.MaxAttempts
	if retry {
		delay := retryDelay(w.config.RetryBase, w.config.RetryMax, job.AttemptCount)
		return "failed", w.db.WithAdmin(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				UPDATE jobs SET status = 'pending', lease_expires_at = NULL,
				                next_attempt_at = now() + $1, last_error = $2,
				                updated_at = now()
				WHERE id = $3`, delay, execErr.Error(), job.ID)
			return err
		})
	}

	// Attempt budget spent or the error is terminal: hand off to the
	// dead-letter table in the same transaction that closes the job.
	return "dead", w.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'dead', lease_expires_at = NULL,
			                last_error = $1, updated_at = now()
			WHERE id = $2`, execErr.Error(), job.ID); err != nil {
			return fmt.Errorf("marking job dead: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO dead_letters (id, job_id, tenant_id, job_type, payload, priority, last_error)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), job.ID, job.TenantID, job.Type, job.Payload,
			job.Priority, execErr.Error()); err != nil {
			return fmt.Errorf("dead-lettering job: %w", err)
		}
		return nil
	})
}

// cancelDeadline closes a job whose deadline passed before it ran.
func (w *Worker) cancelDeadline(job *Job) error {
	ctx := context.Background()
	return w.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'failed', lease_expires_at = NULL,
			                last_error = $1, updated_at = now()
			WHERE id = $2`, faults.CodeCancelledDeadline, job.ID)
		return err
	})
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

package database

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyloop/replyloop/pkg/config"
	"github.com/replyloop/replyloop/pkg/faults"
	"github.com/replyloop/replyloop/pkg/queue"
)

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerConcurrency:    2,
		PerTenantConcurrency: 4,
		PollInterval:         50 * time.Millisecond,
		PollIntervalJitter:   10 * time.Millisecond,
		VisibilityTimeout:    30 * time.Second,
		ShutdownGrace:        5 * time.Second,
		OrphanScanInterval:   time.Second,
		RetryBase:            20 * time.Millisecond,
		RetryMax:             100 * time.Millisecond,
	}
}

// waitForJobStatus polls until the job reaches want or the timeout fires.
func waitForJobStatus(t *testing.T, db *TestDB, jobID uuid.UUID, want queue.Status) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var status string
		err := db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx,
				`SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
		})
		require.NoError(t, err)
		if queue.Status(status) == want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
}

func TestJobSucceeds(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	q := queue.New(db.Admin, nil)

	var ran atomic.Int32
	handlers := map[queue.JobType]queue.Handler{
		queue.TypeCleanup: queue.HandlerFunc(func(ctx context.Context, job *queue.Job) error {
			ran.Add(1)
			return nil
		}),
	}

	pool := queue.NewWorkerPool("test-pod", db.Admin, testQueueConfig(), handlers, nil, nil, nil)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)

	jobID, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TenantID: tenantID,
		Type:     queue.TypeCleanup,
		Payload:  map[string]string{},
	})
	require.NoError(t, err)

	waitForJobStatus(t, db, jobID, queue.StatusSucceeded)
	assert.Equal(t, int32(1), ran.Load())
}

func TestJobRetriesThenDeadLetters(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	q := queue.New(db.Admin, nil)

	var attempts atomic.Int32
	handlers := map[queue.JobType]queue.Handler{
		queue.TypeCleanup: queue.HandlerFunc(func(ctx context.Context, job *queue.Job) error {
			attempts.Add(1)
			return faults.Newf(faults.KindUpstreamTransient, faults.CodeRateLimited, "still throttled")
		}),
	}

	pool := queue.NewWorkerPool("test-pod", db.Admin, testQueueConfig(), handlers, nil, nil, nil)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)

	jobID, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TenantID: tenantID,
		Type:     queue.TypeCleanup, // budget of 3 attempts
		Payload:  map[string]string{"k": "v"},
	})
	require.NoError(t, err)

	waitForJobStatus(t, db, jobID, queue.StatusDead)
	assert.Equal(t, int32(3), attempts.Load())

	// The dead-letter row carries the payload and last error.
	var payload json.RawMessage
	var lastError string
	err = db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT payload, last_error FROM dead_letters WHERE job_id = $1`,
			jobID).Scan(&payload, &lastError)
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(payload))
	assert.Contains(t, lastError, faults.CodeRateLimited)
}

func TestTerminalErrorDeadLettersImmediately(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	q := queue.New(db.Admin, nil)

	var attempts atomic.Int32
	handlers := map[queue.JobType]queue.Handler{
		queue.TypeCleanup: queue.HandlerFunc(func(ctx context.Context, job *queue.Job) error {
			attempts.Add(1)
			return faults.Newf(faults.KindPolicy, faults.CodePolicyViolation, "rejected by platform")
		}),
	}

	pool := queue.NewWorkerPool("test-pod", db.Admin, testQueueConfig(), handlers, nil, nil, nil)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)

	jobID, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TenantID: tenantID,
		Type:     queue.TypeCleanup,
		Payload:  map[string]string{},
	})
	require.NoError(t, err)

	waitForJobStatus(t, db, jobID, queue.StatusDead)
	assert.Equal(t, int32(1), attempts.Load(), "terminal errors must not be retried")
}

func TestExpiredDeadlineCancelsWithoutRunning(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	q := queue.New(db.Admin, nil)

	var ran atomic.Int32
	handlers := map[queue.JobType]queue.Handler{
		queue.TypeCleanup: queue.HandlerFunc(func(ctx context.Context, job *queue.Job) error {
			ran.Add(1)
			return nil
		}),
	}

	pool := queue.NewWorkerPool("test-pod", db.Admin, testQueueConfig(), handlers, nil, nil, nil)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)

	jobID, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TenantID: tenantID,
		Type:     queue.TypeCleanup,
		Payload:  map[string]string{},
		Deadline: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	waitForJobStatus(t, db, jobID, queue.StatusFailed)
	assert.Zero(t, ran.Load())

	var lastError string
	err = db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT last_error FROM jobs WHERE id = $1`, jobID).Scan(&lastError)
	})
	require.NoError(t, err)
	assert.Equal(t, faults.CodeCancelledDeadline, lastError)
}

func TestPriorityOrdering(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	q := queue.New(db.Admin, nil)

	// Enqueue before starting workers so both are claimable at once.
	lowID, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TenantID: tenantID,
		Type:     queue.TypeCleanup,
		Priority: queue.PriorityLow,
		Payload:  map[string]string{},
	})
	require.NoError(t, err)
	highID, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TenantID: tenantID,
		Type:     queue.TypeCleanup,
		Priority: queue.PriorityCritical,
		Payload:  map[string]string{},
	})
	require.NoError(t, err)

	order := make(chan uuid.UUID, 2)
	handlers := map[queue.JobType]queue.Handler{
		queue.TypeCleanup: queue.HandlerFunc(func(ctx context.Context, job *queue.Job) error {
			order <- job.ID
			return nil
		}),
	}

	cfg := testQueueConfig()
	cfg.WorkerConcurrency = 1 // serialize so ordering is observable
	pool := queue.NewWorkerPool("test-pod", db.Admin, cfg, handlers, nil, nil, nil)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)

	waitForJobStatus(t, db, lowID, queue.StatusSucceeded)
	waitForJobStatus(t, db, highID, queue.StatusSucceeded)

	first := <-order
	assert.Equal(t, highID, first, "critical priority must run before low")
}

func TestStartupOrphanRequeue(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	q := queue.New(db.Admin, nil)

	jobID, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TenantID: tenantID,
		Type:     queue.TypeCleanup,
		Payload:  map[string]string{},
	})
	require.NoError(t, err)

	// Simulate a crash: the job is in flight under this pod with a live lease.
	err = db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'in_flight', pod_id = 'test-pod',
			                lease_expires_at = now() + interval '5 minutes'
			WHERE id = $1`, jobID)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, queue.RequeueStartupOrphans(ctx, db.Admin, "test-pod"))

	var status string
	err = db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	})
	require.NoError(t, err)
	assert.Equal(t, string(queue.StatusPending), status)
}

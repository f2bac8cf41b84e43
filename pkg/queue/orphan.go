package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/replyloop/replyloop/pkg/database"
)

// orphanState tracks orphan recovery metrics (thread-safe).
type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// runOrphanScanner periodically returns expired-lease jobs to pending.
// All pods run this independently — the recovery UPDATE is idempotent.
func (p *WorkerPool) runOrphanScanner(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.recoverOrphans(ctx); err != nil {
				slog.Error("Orphan recovery failed", "error", err)
			}
		}
	}
}

// recoverOrphans finds in-flight jobs whose lease expired — the owning pod
// crashed or lost its heartbeat — and returns them to pending. The already
// burned attempt stays counted, so a crash-looping job still dead-letters
// once its budget is spent.
func (p *WorkerPool) recoverOrphans(ctx context.Context) error {
	var recovered int64
	err := p.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending', pod_id = NULL, lease_expires_at = NULL,
			    last_error = 'orphaned: lease expired', updated_at = now()
			WHERE status = 'in_flight' AND lease_expires_at < now()`)
		if err != nil {
			return fmt.Errorf("recovering orphaned jobs: %w", err)
		}
		recovered = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}

	if recovered > 0 {
		slog.Warn("Recovered orphaned jobs", "count", recovered, "pod_id", p.podID)
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.recovered += int(recovered)
	p.orphans.mu.Unlock()
	return nil
}

// RequeueStartupOrphans returns jobs this pod held when it previously
// crashed to pending. Called once during startup, before the pool begins
// processing.
func RequeueStartupOrphans(ctx context.Context, db *database.Client, podID string) error {
	var recovered int64
	err := db.WithAdmin(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending', pod_id = NULL, lease_expires_at = NULL,
			    last_error = 'orphaned: pod restarted', updated_at = now()
			WHERE status = 'in_flight' AND pod_id = $1`, podID)
		if err != nil {
			return fmt.Errorf("requeueing startup orphans: %w", err)
		}
		recovered = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if recovered > 0 {
		slog.Warn("Requeued jobs from previous run", "pod_id", podID, "count", recovered)
	}
	return nil
}

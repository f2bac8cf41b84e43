// Package deadletter is the operator surface over jobs that exhausted their
// retry budget: inspect, redrive, or redact-and-discard.
//
// Every mutation is recorded in the audit log; redrive resets the attempt
// budget so the job gets a full fresh run.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/replyloop/replyloop/pkg/audit"
	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/pkg/queue"
)

// ErrNotFound is returned for an unknown or already handled dead letter.
var ErrNotFound = errors.New("dead letter not found or already handled")

// Entry is one dead-lettered job.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	JobID       uuid.UUID       `json:"job_id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	LastError   string          `json:"last_error"`
	CreatedAt   time.Time       `json:"created_at"`
	RedrivenAt  *time.Time      `json:"redriven_at,omitempty"`
	DiscardedAt *time.Time      `json:"discarded_at,omitempty"`
}

// Service implements the dead-letter operations.
type Service struct {
	db     *database.Client
	audit  *audit.Log
	logger *slog.Logger
}

// New creates the service.
func New(db *database.Client, auditLog *audit.Log) *Service {
	if db == nil || auditLog == nil {
		panic("deadletter.New: db and audit log must be non-nil")
	}
	return &Service{
		db:     db,
		audit:  auditLog,
		logger: slog.Default().With("component", "deadletter"),
	}
}

// List returns unhandled dead letters, newest first, optionally filtered by
// tenant. The operator surface runs with the admin bypass: dead letters are
// cross-tenant by nature.
func (s *Service) List(ctx context.Context, tenantID *uuid.UUID, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []Entry
	err := s.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, job_id, tenant_id, job_type, payload, priority, last_error,
			       created_at, redriven_at, discarded_at
			FROM dead_letters
			WHERE redriven_at IS NULL AND discarded_at IS NULL
			  AND ($1::uuid IS NULL OR tenant_id = $1)
			ORDER BY created_at DESC
			LIMIT $2`, tenantID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.ID, &e.JobID, &e.TenantID, &e.JobType,
				&e.Payload, &e.Priority, &e.LastError, &e.CreatedAt,
				&e.RedrivenAt, &e.DiscardedAt); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return entries, nil
}

// Redrive enqueues a fresh job from the dead letter's payload with a reset
// attempt budget, and stamps the entry redriven. A non-nil overridePriority
// replaces the original job priority, letting the operator jump the queue
// when redriving. Idempotent: a second redrive of the same entry returns
// ErrNotFound.
func (s *Service) Redrive(ctx context.Context, entryID uuid.UUID, actor string, overridePriority *int) (uuid.UUID, error) {
	if overridePriority != nil &&
		(*overridePriority < queue.PriorityLow || *overridePriority > queue.PriorityCritical) {
		return uuid.Nil, fmt.Errorf("override priority %d out of range", *overridePriority)
	}

	newJobID := uuid.New()
	err := s.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		var e Entry
		row := tx.QueryRow(ctx, `
			SELECT id, job_id, tenant_id, job_type, payload, priority
			FROM dead_letters
			WHERE id = $1 AND redriven_at IS NULL AND discarded_at IS NULL
			FOR UPDATE`, entryID)
		if err := row.Scan(&e.ID, &e.JobID, &e.TenantID, &e.JobType, &e.Payload, &e.Priority); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("locking dead letter: %w", err)
		}

		priority := e.Priority
		if overridePriority != nil {
			priority = *overridePriority
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, tenant_id, type, payload, priority, max_attempts, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
			newJobID, e.TenantID, e.JobType, e.Payload, priority,
			maxAttempts(e.JobType)); err != nil {
			return fmt.Errorf("re-enqueueing job: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE dead_letters SET redriven_at = now() WHERE id = $1`, entryID); err != nil {
			return fmt.Errorf("stamping redrive: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.audit.Record(ctx, actor, "deadletter.redrive", entryID.String(), "", newJobID.String())
	s.logger.Info("Dead letter redriven", "entry_id", entryID, "new_job_id", newJobID, "actor", actor)
	return newJobID, nil
}

// RedactAndDiscard permanently empties the payload and closes the entry.
// For dead letters carrying customer content that must not be retained.
func (s *Service) RedactAndDiscard(ctx context.Context, entryID uuid.UUID, actor string) error {
	err := s.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE dead_letters
			SET payload = '{}'::jsonb, last_error = '[redacted]', discarded_at = now()
			WHERE id = $1 AND redriven_at IS NULL AND discarded_at IS NULL`, entryID)
		if err != nil {
			return fmt.Errorf("redacting dead letter: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, actor, "deadletter.discard", entryID.String(), "", "")
	s.logger.Info("Dead letter redacted and discarded", "entry_id", entryID, "actor", actor)
	return nil
}

func maxAttempts(jobType string) int {
	switch queue.JobType(jobType) {
	case queue.TypeGenerateReply:
		return 3
	case queue.TypeFollowUp:
		return 8
	case queue.TypeCleanup:
		return 3
	default:
		return 5
	}
}

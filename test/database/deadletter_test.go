package database

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyloop/replyloop/pkg/audit"
	"github.com/replyloop/replyloop/pkg/deadletter"
	"github.com/replyloop/replyloop/pkg/queue"
)

// seedDeadLetter inserts a dead letter with its originating job row.
func seedDeadLetter(t *testing.T, db *TestDB, tenantID uuid.UUID) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	entryID := uuid.New()
	jobID := uuid.New()

	err := db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, tenant_id, type, payload, priority, max_attempts,
			                  status, attempt_count, last_error)
			VALUES ($1, $2, 'generate_reply', '{"conversation_id":"c1"}', 2, 3,
			        'dead', 3, 'LLM_TIMEOUT')`, jobID, tenantID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO dead_letters (id, job_id, tenant_id, job_type, payload, priority, last_error)
			VALUES ($1, $2, $3, 'generate_reply', '{"conversation_id":"c1"}', 2, 'LLM_TIMEOUT')`,
			entryID, jobID, tenantID)
		return err
	})
	require.NoError(t, err)
	return entryID
}

func TestDeadLetterRedrive(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	svc := deadletter.New(db.App, audit.New(db.App))

	entryID := seedDeadLetter(t, db, tenantID)

	entries, err := svc.List(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entryID, entries[0].ID)

	newJobID, err := svc.Redrive(ctx, entryID, "operator-1", nil)
	require.NoError(t, err)

	t.Run("fresh job gets a reset budget", func(t *testing.T) {
		var status string
		var attemptCount, maxAttempts, priority int
		err := db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, `
				SELECT status, attempt_count, max_attempts, priority FROM jobs WHERE id = $1`,
				newJobID).Scan(&status, &attemptCount, &maxAttempts, &priority)
		})
		require.NoError(t, err)
		assert.Equal(t, "pending", status)
		assert.Zero(t, attemptCount)
		assert.Equal(t, 3, maxAttempts)
		assert.Equal(t, 2, priority) // original priority kept without an override
	})

	t.Run("handled entry leaves the list", func(t *testing.T) {
		entries, err := svc.List(ctx, nil, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("second redrive is refused", func(t *testing.T) {
		_, err := svc.Redrive(ctx, entryID, "operator-1", nil)
		assert.ErrorIs(t, err, deadletter.ErrNotFound)
	})

	t.Run("redrive is audited", func(t *testing.T) {
		var count int
		err := db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, `
				SELECT count(*) FROM audit_log
				WHERE action = 'deadletter.redrive' AND target = $1`,
				entryID.String()).Scan(&count)
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestDeadLetterRedrivePriorityOverride(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	svc := deadletter.New(db.App, audit.New(db.App))

	t.Run("override replaces the original priority", func(t *testing.T) {
		entryID := seedDeadLetter(t, db, tenantID)
		override := queue.PriorityCritical
		newJobID, err := svc.Redrive(ctx, entryID, "operator-1", &override)
		require.NoError(t, err)

		var priority int
		err = db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, `SELECT priority FROM jobs WHERE id = $1`,
				newJobID).Scan(&priority)
		})
		require.NoError(t, err)
		assert.Equal(t, queue.PriorityCritical, priority)
	})

	t.Run("out-of-range override is refused", func(t *testing.T) {
		entryID := seedDeadLetter(t, db, tenantID)
		override := 42
		_, err := svc.Redrive(ctx, entryID, "operator-1", &override)
		require.Error(t, err)

		// The entry stays redrivable.
		entries, err := svc.List(ctx, nil, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, entries)
	})
}

func TestDeadLetterRedactAndDiscard(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	svc := deadletter.New(db.App, audit.New(db.App))

	entryID := seedDeadLetter(t, db, tenantID)

	require.NoError(t, svc.RedactAndDiscard(ctx, entryID, "operator-2"))

	var payload, lastError string
	err := db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT payload::text, last_error FROM dead_letters WHERE id = $1`,
			entryID).Scan(&payload, &lastError)
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, payload)
	assert.Equal(t, "[redacted]", lastError)

	// Discarded entries can be neither redriven nor discarded again.
	_, err = svc.Redrive(ctx, entryID, "operator-2", nil)
	assert.ErrorIs(t, err, deadletter.ErrNotFound)
	assert.ErrorIs(t, svc.RedactAndDiscard(ctx, entryID, "operator-2"), deadletter.ErrNotFound)
}

func TestDeadLetterTenantFilter(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantA := db.SeedTenant(t, "tenant-a")
	tenantB := db.SeedTenant(t, "tenant-b")
	svc := deadletter.New(db.App, audit.New(db.App))

	seedDeadLetter(t, db, tenantA)
	seedDeadLetter(t, db, tenantB)

	entries, err := svc.List(ctx, &tenantA, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tenantA, entries[0].TenantID)

	all, err := svc.List(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

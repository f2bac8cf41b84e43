// Package audit appends tamper-evident records of operator and system
// actions. Each entry hashes its predecessor, so rewriting history breaks
// the chain from that point on.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/replyloop/replyloop/pkg/database"
)

// genesisHash anchors the chain before the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one audit record.
type Entry struct {
	ID           int64     `json:"id"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	BeforeDigest string    `json:"before_digest,omitempty"`
	AfterDigest  string    `json:"after_digest,omitempty"`
	PrevHash     string    `json:"prev_hash"`
	EntryHash    string    `json:"entry_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Log is the append-only audit log.
type Log struct {
	db     *database.Client
	logger *slog.Logger
}

// New creates the log.
func New(db *database.Client) *Log {
	if db == nil {
		panic("audit.New: db must not be nil")
	}
	return &Log{db: db, logger: slog.Default().With("component", "audit")}
}

// Record appends an entry. Failures are logged, never propagated: an audit
// outage must not block the action it describes.
func (l *Log) Record(ctx context.Context, actor, action, target, beforeDigest, afterDigest string) {
	if err := l.record(ctx, actor, action, target, beforeDigest, afterDigest); err != nil {
		l.logger.Error("Failed to append audit entry",
			"actor", actor, "action", action, "target", target, "error", err)
	}
}

func (l *Log) record(ctx context.Context, actor, action, target, beforeDigest, afterDigest string) error {
	return l.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		// Serialize appends: the chain only works if entries hash their true
		// predecessor.
		if _, err := tx.Exec(ctx,
			"SELECT pg_advisory_xact_lock(hashtext('audit_log_chain'))"); err != nil {
			return fmt.Errorf("locking audit chain: %w", err)
		}

		prevHash := genesisHash
		err := tx.QueryRow(ctx,
			`SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
		if err != nil && err != pgx.ErrNoRows {
			return fmt.Errorf("reading chain head: %w", err)
		}

		// Truncated to the timestamptz precision so Verify recomputes the
		// same hash after a round-trip through the database.
		now := time.Now().UTC().Truncate(time.Microsecond)
		entryHash := chainHash(prevHash, actor, action, target, beforeDigest, afterDigest, now)

		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_log (actor, action, target, before_digest, after_digest,
			                       prev_hash, entry_hash, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)`,
			actor, action, target, beforeDigest, afterDigest, prevHash, entryHash, now); err != nil {
			return fmt.Errorf("appending audit entry: %w", err)
		}
		return nil
	})
}

// Verify walks the whole chain and returns the id of the first broken
// entry, or 0 when the chain is intact.
func (l *Log) Verify(ctx context.Context) (int64, error) {
	var broken int64
	err := l.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, actor, action, target,
			       COALESCE(before_digest, ''), COALESCE(after_digest, ''),
			       prev_hash, entry_hash, created_at
			FROM audit_log ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		prev := genesisHash
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target,
				&e.BeforeDigest, &e.AfterDigest, &e.PrevHash, &e.EntryHash,
				&e.CreatedAt); err != nil {
				return err
			}
			want := chainHash(prev, e.Actor, e.Action, e.Target,
				e.BeforeDigest, e.AfterDigest, e.CreatedAt.UTC())
			if e.PrevHash != prev || e.EntryHash != want {
				broken = e.ID
				return nil
			}
			prev = e.EntryHash
		}
		return rows.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("verifying audit chain: %w", err)
	}
	return broken, nil
}

// Digest hashes arbitrary content for the before/after fields, keeping the
// content itself out of the audit table.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func chainHash(prevHash, actor, action, target, beforeDigest, afterDigest string, at time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d",
		prevHash, actor, action, target, beforeDigest, afterDigest, at.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

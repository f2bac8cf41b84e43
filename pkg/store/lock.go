package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/pkg/database"
)

// lockAcquireTimeout bounds a blocking acquire. A conversation lock held
// longer than this means a stuck peer; failing the job and retrying beats
// pinning a pool connection indefinitely.
const lockAcquireTimeout = 30 * time.Second

// ConversationLocker serializes outbound work per conversation using
// Postgres advisory locks, so two workers holding jobs for the same thread
// never interleave sends.
//
// The lock is session-scoped and rides a dedicated pooled connection held
// for the lock's lifetime; it is never taken inside a tenant transaction.
type ConversationLocker struct {
	db *database.Client
}

// NewConversationLocker creates the locker.
func NewConversationLocker(db *database.Client) *ConversationLocker {
	if db == nil {
		panic("NewConversationLocker: db must not be nil")
	}
	return &ConversationLocker{db: db}
}

// Acquire blocks until the conversation lock is held, up to 30 seconds,
// then returns a release function. Release must be called exactly once; it
// also returns the underlying connection to the pool.
func (l *ConversationLocker) Acquire(ctx context.Context, conversationID uuid.UUID) (func(), error) {
	conn, err := l.db.Pool().Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock connection: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	key := advisoryKey(conversationID)
	if _, err := conn.Exec(lockCtx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquiring conversation lock: %w", err)
	}

	release := func() {
		// Background context: the unlock must run even when the job's
		// context was already cancelled.
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Release()
	}
	return release, nil
}

// TryAcquire is the non-blocking variant. It returns (nil, false, nil) when
// another worker holds the lock.
func (l *ConversationLocker) TryAcquire(ctx context.Context, conversationID uuid.UUID) (func(), bool, error) {
	conn, err := l.db.Pool().Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock connection: %w", err)
	}

	key := advisoryKey(conversationID)
	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("trying conversation lock: %w", err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Release()
	}
	return release, true, nil
}

func advisoryKey(id uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	return int64(h.Sum64())
}

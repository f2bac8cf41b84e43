// Package idempotency provides the "seen event-id" store used to admit
// webhook events exactly once.
//
// The primary store is the shared KV (redis); the claim is an atomic
// test-and-set with a 72h TTL. When the KV is unreachable the store
// degrades to a best-effort in-process bloom filter and reports the
// degraded state through a health gauge, so a replica restart during an
// outage can at worst re-admit, never drop.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// TTL is how long an event id stays claimed. Matches the platform's replay
// window with headroom.
const TTL = 72 * time.Hour

// Outcome of a claim.
type Outcome int

const (
	// OutcomeNew means the caller owns the event and must process it.
	OutcomeNew Outcome = iota
	// OutcomeDuplicate means the event was already admitted; the caller
	// returns 200 without processing.
	OutcomeDuplicate
)

// Store is the event-id idempotency store.
type Store struct {
	rdb      *redis.Client
	fallback *bloom
	degraded prometheus.Gauge
	logger   *slog.Logger
}

// NewStore creates a store backed by the given redis client. degradedGauge
// may be nil.
func NewStore(rdb *redis.Client, degradedGauge prometheus.Gauge) *Store {
	return &Store{
		rdb:      rdb,
		fallback: newBloom(1 << 20), // ~128 KiB, sized for a 72h replay burst
		degraded: degradedGauge,
		logger:   slog.Default().With("component", "idempotency"),
	}
}

// Claim atomically claims eventID. The first caller gets OutcomeNew; every
// later caller within the TTL gets OutcomeDuplicate.
func (s *Store) Claim(ctx context.Context, eventID string) (Outcome, error) {
	ok, err := s.rdb.SetNX(ctx, key(eventID), "received", TTL).Result()
	if err != nil {
		s.setDegraded(true)
		s.logger.Warn("KV unreachable, degrading to in-process dedupe", "error", err)
		if s.fallback.testAndAdd(eventID) {
			return OutcomeDuplicate, nil
		}
		return OutcomeNew, nil
	}
	s.setDegraded(false)
	if !ok {
		return OutcomeDuplicate, nil
	}
	return OutcomeNew, nil
}

// MarkProcessed records the terminal outcome for an admitted event. The TTL
// is preserved: KEEPTTL keeps the original claim expiry.
func (s *Store) MarkProcessed(ctx context.Context, eventID, outcome string) error {
	if err := s.rdb.Set(ctx, key(eventID), outcome, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("marking event %s processed: %w", eventID, err)
	}
	return nil
}

// Release frees a claim so a corrected retry of the same event id can be
// admitted. Used when parsing fails after signature success.
func (s *Store) Release(ctx context.Context, eventID string) error {
	if err := s.rdb.Del(ctx, key(eventID)).Err(); err != nil {
		return fmt.Errorf("releasing event %s: %w", eventID, err)
	}
	return nil
}

func (s *Store) setDegraded(degraded bool) {
	if s.degraded == nil {
		return
	}
	if degraded {
		s.degraded.Set(1)
	} else {
		s.degraded.Set(0)
	}
}

func key(eventID string) string {
	return "idem:event:" + eventID
}

package idempotency

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, nil), mr
}

func TestClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("first claim is new, second is duplicate", func(t *testing.T) {
		store, _ := newTestStore(t)

		out, err := store.Claim(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeNew, out)

		out, err = store.Claim(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, out)
	})

	t.Run("claim is idempotent after first success", func(t *testing.T) {
		store, _ := newTestStore(t)

		_, err := store.Claim(ctx, "evt-2")
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			out, err := store.Claim(ctx, "evt-2")
			require.NoError(t, err)
			assert.Equal(t, OutcomeDuplicate, out)
		}
	})

	t.Run("distinct events are independent", func(t *testing.T) {
		store, _ := newTestStore(t)
		for i := 0; i < 10; i++ {
			out, err := store.Claim(ctx, fmt.Sprintf("evt-%d", i))
			require.NoError(t, err)
			assert.Equal(t, OutcomeNew, out)
		}
	})

	t.Run("claim expires after TTL", func(t *testing.T) {
		store, mr := newTestStore(t)

		_, err := store.Claim(ctx, "evt-ttl")
		require.NoError(t, err)

		mr.FastForward(TTL + 1)

		out, err := store.Claim(ctx, "evt-ttl")
		require.NoError(t, err)
		assert.Equal(t, OutcomeNew, out)
	})
}

func TestMarkProcessed(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	_, err := store.Claim(ctx, "evt-3")
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, "evt-3", "processed"))

	got, err := mr.Get("idem:event:evt-3")
	require.NoError(t, err)
	assert.Equal(t, "processed", got)

	// TTL survives the status update.
	assert.Greater(t, mr.TTL("idem:event:evt-3"), TTL/2)

	// Still a duplicate after processing.
	out, err := store.Claim(ctx, "evt-3")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Claim(ctx, "evt-4")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "evt-4"))

	out, err := store.Claim(ctx, "evt-4")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, out, "released event must be claimable again")
}

func TestDegradedFallback(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb, nil)

	mr.Close() // KV outage

	out, err := store.Claim(ctx, "evt-down")
	require.NoError(t, err, "degraded mode must not fail the request")
	assert.Equal(t, OutcomeNew, out)

	out, err = store.Claim(ctx, "evt-down")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out, "bloom fallback still dedupes in-process")
}

func TestBloom(t *testing.T) {
	b := newBloom(1 << 12)

	assert.False(t, b.testAndAdd("a"))
	assert.True(t, b.testAndAdd("a"))
	assert.False(t, b.testAndAdd("b"))

	// No false positives among a small distinct set.
	fresh := newBloom(1 << 16)
	for i := 0; i < 1000; i++ {
		assert.False(t, fresh.testAndAdd(fmt.Sprintf("key-%d", i)))
	}
}

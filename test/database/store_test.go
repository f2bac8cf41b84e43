package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyloop/replyloop/pkg/platform"
	"github.com/replyloop/replyloop/pkg/store"
)

func TestConversationLifecycle(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	st := store.New(db.App)

	t.Run("find-or-create is idempotent while open", func(t *testing.T) {
		first, err := st.FindOrCreateConversation(ctx, tenantID, platform.Instagram, "cust-1")
		require.NoError(t, err)
		second, err := st.FindOrCreateConversation(ctx, tenantID, platform.Instagram, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, store.StageGreeting, first.Stage)
	})

	t.Run("resolved conversation makes room for a new one", func(t *testing.T) {
		conv, err := st.FindOrCreateConversation(ctx, tenantID, platform.Instagram, "cust-2")
		require.NoError(t, err)
		require.NoError(t, st.UpdateStage(ctx, tenantID, conv.ID, store.StageResolved))

		fresh, err := st.FindOrCreateConversation(ctx, tenantID, platform.Instagram, "cust-2")
		require.NoError(t, err)
		assert.NotEqual(t, conv.ID, fresh.ID)
	})

	t.Run("stage transitions are forward-only", func(t *testing.T) {
		conv, err := st.FindOrCreateConversation(ctx, tenantID, platform.Instagram, "cust-3")
		require.NoError(t, err)

		require.NoError(t, st.UpdateStage(ctx, tenantID, conv.ID, store.StageClosing))
		err = st.UpdateStage(ctx, tenantID, conv.ID, store.StageDiscovery)
		require.ErrorIs(t, err, store.ErrStaleStage)

		// Support is reachable from anywhere.
		require.NoError(t, st.UpdateStage(ctx, tenantID, conv.ID, store.StageSupport))
	})
}

func TestMessageDeduplication(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	st := store.New(db.App)

	conv, err := st.FindOrCreateConversation(ctx, tenantID, platform.Instagram, "cust-1")
	require.NoError(t, err)

	msg := &store.Message{
		ID:                uuid.New(),
		ConversationID:    conv.ID,
		TenantID:          tenantID,
		Platform:          platform.Instagram,
		Direction:         store.DirectionInbound,
		PlatformMessageID: "mid.123",
		Content:           "hello",
		Type:              "text",
	}
	created, err := st.AppendInbound(ctx, tenantID, msg)
	require.NoError(t, err)
	assert.True(t, created)

	// Platform redelivery of the same message id is swallowed.
	replay := *msg
	replay.ID = uuid.New()
	created, err = st.AppendInbound(ctx, tenantID, &replay)
	require.NoError(t, err)
	assert.False(t, created)

	msgs, err := st.RecentMessages(ctx, tenantID, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestRecentMessagesOrder(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	st := store.New(db.App)

	conv, err := st.FindOrCreateConversation(ctx, tenantID, platform.Instagram, "cust-1")
	require.NoError(t, err)

	for i, content := range []string{"one", "two", "three", "four"} {
		msg := &store.Message{
			ID:                uuid.New(),
			ConversationID:    conv.ID,
			TenantID:          tenantID,
			Platform:          platform.Instagram,
			Direction:         store.DirectionInbound,
			PlatformMessageID: "mid." + content,
			Content:           content,
			Type:              "text",
		}
		_, err := st.AppendInbound(ctx, tenantID, msg)
		require.NoError(t, err)
		// Distinct created_at so ordering is deterministic.
		err = db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				UPDATE messages SET created_at = now() + ($1 || ' ms')::interval
				WHERE platform_message_id = $2`, i*10, msg.PlatformMessageID)
			return err
		})
		require.NoError(t, err)
	}

	// Newest N, returned oldest-first for prompt assembly.
	msgs, err := st.RecentMessages(ctx, tenantID, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "four", msgs[2].Content)
}

func TestCandidateIdempotency(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	st := store.New(db.App)

	conv, err := st.FindOrCreateConversation(ctx, tenantID, platform.Instagram, "cust-1")
	require.NoError(t, err)

	candidate := &store.OutboundCandidate{
		ConversationID: conv.ID,
		Content:        "Thanks for reaching out!",
		Intent:         "greeting",
		Confidence:     0.92,
		IdempotencyKey: "draft:abc:1",
	}
	first, created, err := st.CreateCandidate(ctx, tenantID, candidate)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := st.CreateCandidate(ctx, tenantID, candidate)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	t.Run("sent candidate is not downgraded", func(t *testing.T) {
		require.NoError(t, st.MarkCandidate(ctx, tenantID, first.ID, store.CandidateSent, "up-1"))
		require.NoError(t, st.MarkCandidate(ctx, tenantID, first.ID, store.CandidateFailed, ""))

		got, err := st.Candidate(ctx, tenantID, first.ID)
		require.NoError(t, err)
		assert.Equal(t, store.CandidateSent, got.Status)
		require.NotNil(t, got.UpstreamMessageID)
		assert.Equal(t, "up-1", *got.UpstreamMessageID)
	})
}

func TestWindowTracking(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")
	st := store.New(db.App)
	windows := store.NewWindowTracker(db.App, 24*time.Hour, 5*time.Minute, nil)

	conv, err := st.FindOrCreateConversation(ctx, tenantID, platform.Instagram, "cust-1")
	require.NoError(t, err)

	t.Run("no inbound message means closed", func(t *testing.T) {
		state, err := windows.Check(ctx, tenantID, platform.Instagram, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, store.WindowClosed, state)
	})

	t.Run("fresh inbound opens the window", func(t *testing.T) {
		_, err := st.AppendInbound(ctx, tenantID, &store.Message{
			ID:                uuid.New(),
			ConversationID:    conv.ID,
			TenantID:          tenantID,
			Platform:          platform.Instagram,
			Direction:         store.DirectionInbound,
			PlatformMessageID: "mid.win",
			Content:           "hi",
			Type:              "text",
		})
		require.NoError(t, err)

		state, err := windows.Check(ctx, tenantID, platform.Instagram, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, store.WindowOpen, state)
		assert.True(t, state.AllowsFreeForm())
	})

	t.Run("aged inbound closes the window", func(t *testing.T) {
		err := db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				UPDATE window_states SET last_inbound_at = now() - interval '25 hours'
				WHERE tenant_id = $1`, tenantID)
			return err
		})
		require.NoError(t, err)

		state, err := windows.Check(ctx, tenantID, platform.Instagram, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, store.WindowClosed, state)
		assert.False(t, state.AllowsFreeForm())
	})
}

func TestConversationLocker(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	locker := store.NewConversationLocker(db.App)
	convID := uuid.New()

	release, err := locker.Acquire(ctx, convID)
	require.NoError(t, err)

	// Held elsewhere: TryAcquire must not block.
	_, ok, err := locker.TryAcquire(ctx, convID)
	require.NoError(t, err)
	assert.False(t, ok)

	release()

	release2, ok, err := locker.TryAcquire(ctx, convID)
	require.NoError(t, err)
	require.True(t, ok)
	release2()
}

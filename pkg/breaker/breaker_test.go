package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyloop/replyloop/pkg/faults"
)

func upstreamErr() error {
	return faults.Newf(faults.KindUpstreamTransient, "UPSTREAM_5XX", "boom")
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("passes through success", func(t *testing.T) {
		r := NewRegistry(Config{FailThreshold: 3, Cooldown: 100 * time.Millisecond}, nil, nil)
		err := r.Execute(ctx, "t1", "graph", func(context.Context) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, "closed", r.State("t1", "graph"))
	})

	t.Run("trips after consecutive upstream failures", func(t *testing.T) {
		r := NewRegistry(Config{FailThreshold: 3, Cooldown: time.Minute}, nil, nil)
		for i := 0; i < 3; i++ {
			err := r.Execute(ctx, "t1", "graph", func(context.Context) error { return upstreamErr() })
			require.Error(t, err)
		}
		assert.Equal(t, "open", r.State("t1", "graph"))

		err := r.Execute(ctx, "t1", "graph", func(context.Context) error { return nil })
		require.Error(t, err)
		assert.Equal(t, faults.CodeUpstreamOpen, faults.CodeOf(err))
	})

	t.Run("token refresh failures trip the circuit", func(t *testing.T) {
		r := NewRegistry(Config{FailThreshold: 3, Cooldown: time.Minute}, nil, nil)
		refreshErr := faults.Newf(faults.KindUpstreamTerminal, faults.CodeTokenExpired,
			"token refresh rejected with 400")
		for i := 0; i < 3; i++ {
			err := r.Execute(ctx, "t1", "graph", func(context.Context) error { return refreshErr })
			require.Error(t, err)
		}
		assert.Equal(t, "open", r.State("t1", "graph"))
	})

	t.Run("policy errors do not feed the breaker", func(t *testing.T) {
		r := NewRegistry(Config{FailThreshold: 2, Cooldown: time.Minute}, nil, nil)
		policyErr := faults.Newf(faults.KindPolicy, faults.CodePolicyViolation, "denied")
		for i := 0; i < 10; i++ {
			err := r.Execute(ctx, "t1", "manychat", func(context.Context) error { return policyErr })
			require.Error(t, err)
			assert.Equal(t, faults.CodePolicyViolation, faults.CodeOf(err))
		}
		assert.Equal(t, "closed", r.State("t1", "manychat"))
	})

	t.Run("pairs are independent", func(t *testing.T) {
		r := NewRegistry(Config{FailThreshold: 2, Cooldown: time.Minute}, nil, nil)
		for i := 0; i < 2; i++ {
			_ = r.Execute(ctx, "t1", "graph", func(context.Context) error { return upstreamErr() })
		}
		assert.Equal(t, "open", r.State("t1", "graph"))
		assert.Equal(t, "closed", r.State("t2", "graph"))
		assert.Equal(t, "closed", r.State("t1", "manychat"))
	})

	t.Run("half-open success closes the circuit", func(t *testing.T) {
		r := NewRegistry(Config{FailThreshold: 2, Cooldown: 30 * time.Millisecond}, nil, nil)
		for i := 0; i < 2; i++ {
			_ = r.Execute(ctx, "t1", "graph", func(context.Context) error { return upstreamErr() })
		}
		require.Equal(t, "open", r.State("t1", "graph"))

		time.Sleep(50 * time.Millisecond)
		err := r.Execute(ctx, "t1", "graph", func(context.Context) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, "closed", r.State("t1", "graph"))
	})

	t.Run("failed probe doubles the cooldown", func(t *testing.T) {
		r := NewRegistry(Config{FailThreshold: 2, Cooldown: 30 * time.Millisecond}, nil, nil)
		for i := 0; i < 2; i++ {
			_ = r.Execute(ctx, "t1", "graph", func(context.Context) error { return upstreamErr() })
		}

		time.Sleep(50 * time.Millisecond)
		err := r.Execute(ctx, "t1", "graph", func(context.Context) error { return upstreamErr() })
		require.Error(t, err)

		// gobreaker's own 30ms timeout has elapsed, but the escalated hold
		// (2x base) keeps callers failing fast.
		time.Sleep(40 * time.Millisecond)
		err = r.Execute(ctx, "t1", "graph", func(context.Context) error { return nil })
		require.Error(t, err)
		assert.Equal(t, faults.CodeUpstreamOpen, faults.CodeOf(err))
	})
}

func TestCountsAsFailure(t *testing.T) {
	assert.True(t, countsAsFailure(upstreamErr()))
	assert.True(t, countsAsFailure(faults.Newf(faults.KindUpstreamTerminal, faults.CodeTokenExpired, "refresh failed")))
	assert.False(t, countsAsFailure(faults.New(faults.KindUpstreamTerminal, "X", errors.New("x"))))
	assert.False(t, countsAsFailure(faults.Newf(faults.KindValidation, "X", "x")))
	assert.False(t, countsAsFailure(faults.Newf(faults.KindPolicy, "X", "x")))
}

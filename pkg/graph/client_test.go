package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyloop/replyloop/pkg/faults"
)

func TestParseAppUsage(t *testing.T) {
	t.Run("takes the worst dimension", func(t *testing.T) {
		pct, ok := parseAppUsage(`{"call_count":35,"total_time":92,"total_cputime":5}`)
		require.True(t, ok)
		assert.Equal(t, 92.0, pct)
	})

	t.Run("call count dominant", func(t *testing.T) {
		pct, ok := parseAppUsage(`{"call_count":97,"total_time":10,"total_cputime":10}`)
		require.True(t, ok)
		assert.Equal(t, 97.0, pct)
	})

	t.Run("garbage header ignored", func(t *testing.T) {
		_, ok := parseAppUsage("not json")
		assert.False(t, ok)
	})
}

func TestClassifyResponse(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		assert.NoError(t, classifyResponse(200, []byte(`{"message_id":"m1"}`)))
	})

	t.Run("429 is transient rate limit", func(t *testing.T) {
		err := classifyResponse(429, []byte(`{}`))
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindUpstreamTransient))
		assert.Equal(t, faults.CodeRateLimited, faults.CodeOf(err))
	})

	t.Run("code 4 throttle is transient", func(t *testing.T) {
		err := classifyResponse(400, []byte(`{"error":{"code":4,"message":"Application request limit reached"}}`))
		require.Error(t, err)
		assert.Equal(t, faults.CodeRateLimited, faults.CodeOf(err))
	})

	t.Run("5xx is transient", func(t *testing.T) {
		err := classifyResponse(502, nil)
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindUpstreamTransient))
	})

	t.Run("code 190 is token expired", func(t *testing.T) {
		err := classifyResponse(401, []byte(`{"error":{"code":190,"error_subcode":463,"message":"Session expired"}}`))
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindUpstreamTerminal))
		assert.Equal(t, faults.CodeTokenExpired, faults.CodeOf(err))
	})

	t.Run("code 10 is a policy rejection", func(t *testing.T) {
		err := classifyResponse(400, []byte(`{"error":{"code":10,"message":"Outside of allowed window"}}`))
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindPolicy))
	})

	t.Run("unknown 4xx is terminal", func(t *testing.T) {
		err := classifyResponse(400, []byte(`{"error":{"code":100,"message":"Invalid parameter"}}`))
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindUpstreamTerminal))
	})
}

package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Run("classified error", func(t *testing.T) {
		err := New(KindPolicy, CodeTemplateRequired, errors.New("window closed"))
		assert.Equal(t, KindPolicy, KindOf(err))
		assert.Equal(t, CodeTemplateRequired, CodeOf(err))
	})

	t.Run("wrapped classified error", func(t *testing.T) {
		inner := New(KindUpstreamTransient, CodeRateLimited, errors.New("429"))
		err := fmt.Errorf("sending reply: %w", inner)
		assert.Equal(t, KindUpstreamTransient, KindOf(err))
		assert.Equal(t, CodeRateLimited, CodeOf(err))
	})

	t.Run("unclassified error is internal", func(t *testing.T) {
		err := errors.New("connection reset")
		assert.Equal(t, KindInternal, KindOf(err))
		assert.Equal(t, "INTERNAL", CodeOf(err))
	})
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindUpstreamTransient.Retryable())
	assert.True(t, KindInternal.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindUpstreamTerminal.Retryable())
	assert.False(t, KindPolicy.Retryable())
	assert.False(t, KindAuth.Retryable())
	assert.False(t, KindTenant.Retryable())
}

func TestKindCountsForBreaker(t *testing.T) {
	assert.True(t, KindUpstreamTransient.CountsForBreaker())
	// Semantic 4xx rejections do not trip the breaker.
	assert.False(t, KindUpstreamTerminal.CountsForBreaker())
	assert.False(t, KindPolicy.CountsForBreaker())
}

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyloop/replyloop/pkg/faults"
)

func TestParseDraft(t *testing.T) {
	t.Run("plain JSON", func(t *testing.T) {
		draft, err := parseDraft(`{"reply": "Hi there!", "intent": "greeting", "confidence": 0.92, "tags": ["welcome"]}`)
		require.NoError(t, err)
		assert.Equal(t, "Hi there!", draft.Reply)
		assert.Equal(t, "greeting", draft.Intent)
		assert.InDelta(t, 0.92, draft.Confidence, 0.001)
		assert.Equal(t, []string{"welcome"}, draft.Tags)
	})

	t.Run("code-fenced JSON", func(t *testing.T) {
		draft, err := parseDraft("```json\n{\"reply\": \"Sure!\", \"intent\": \"pricing\", \"confidence\": 0.8}\n```")
		require.NoError(t, err)
		assert.Equal(t, "Sure!", draft.Reply)
		assert.Equal(t, "pricing", draft.Intent)
	})

	t.Run("JSON embedded in prose", func(t *testing.T) {
		draft, err := parseDraft(`Here is my answer: {"reply": "On its way", "intent": "shipping", "confidence": 0.7} hope that helps`)
		require.NoError(t, err)
		assert.Equal(t, "On its way", draft.Reply)
	})

	t.Run("confidence clamped", func(t *testing.T) {
		draft, err := parseDraft(`{"reply": "x", "confidence": 1.7}`)
		require.NoError(t, err)
		assert.Equal(t, float32(1), draft.Confidence)

		draft, err = parseDraft(`{"reply": "x", "confidence": -3}`)
		require.NoError(t, err)
		assert.Equal(t, float32(0), draft.Confidence)
	})

	t.Run("missing intent defaults to other", func(t *testing.T) {
		draft, err := parseDraft(`{"reply": "x"}`)
		require.NoError(t, err)
		assert.Equal(t, "other", draft.Intent)
	})

	t.Run("empty reply fails", func(t *testing.T) {
		_, err := parseDraft(`{"reply": "   ", "intent": "other"}`)
		require.Error(t, err)
	})

	t.Run("no JSON at all fails", func(t *testing.T) {
		_, err := parseDraft(`sorry, I cannot help with that`)
		require.Error(t, err)
	})

	t.Run("empty completion fails", func(t *testing.T) {
		_, err := parseDraft("")
		require.Error(t, err)
	})
}

func TestEvaluateDraft(t *testing.T) {
	deny := []string{"guaranteed"}

	t.Run("clean draft passes", func(t *testing.T) {
		draft, err := evaluateDraft(`{"reply": "Happy to help!", "intent": "greeting", "confidence": 0.9}`, deny)
		require.NoError(t, err)
		assert.Equal(t, "Happy to help!", draft.Reply)
	})

	t.Run("unparseable completion escalates as policy", func(t *testing.T) {
		_, err := evaluateDraft("sorry, I cannot do JSON today", deny)
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindPolicy))
		assert.Equal(t, "MALFORMED_COMPLETION", faults.CodeOf(err))
	})

	t.Run("denied term escalates as policy", func(t *testing.T) {
		_, err := evaluateDraft(`{"reply": "a guaranteed win", "confidence": 0.9}`, deny)
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindPolicy))
		assert.Equal(t, faults.CodePolicyViolation, faults.CodeOf(err))
	})
}

func TestFirstDenied(t *testing.T) {
	deny := []string{"guaranteed", "Medical Cure", ""}

	assert.Equal(t, "guaranteed", firstDenied("This is a GUARANTEED win", deny))
	assert.Equal(t, "Medical Cure", firstDenied("our medical cure works", deny))
	assert.Empty(t, firstDenied("a perfectly fine reply", deny))
	assert.Empty(t, firstDenied("anything", nil))
}

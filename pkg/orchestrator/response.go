package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/replyloop/replyloop/pkg/faults"
)

// evaluateDraft extracts the Draft from raw model output and screens it
// against the tenant's deny-list. Both failure modes are policy faults: a
// completion that defeats extraction is not worth a retry loop, so the
// conversation escalates to a human the same way a denied draft does.
func evaluateDraft(raw string, denyList []string) (*Draft, error) {
	draft, err := parseDraft(raw)
	if err != nil {
		return nil, faults.New(faults.KindPolicy, "MALFORMED_COMPLETION", err)
	}
	if term := firstDenied(draft.Reply, denyList); term != "" {
		return nil, faults.Newf(faults.KindPolicy, faults.CodePolicyViolation,
			"draft contains denied term %q", term)
	}
	return draft, nil
}

// parseDraft extracts the Draft from raw model output. Providers sometimes
// wrap JSON in code fences or prose despite the response-format hint, so
// parsing falls back to the outermost brace pair.
func parseDraft(raw string) (*Draft, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty completion")
	}

	candidate := raw
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		candidate = strings.TrimSuffix(strings.TrimSpace(candidate), "```")
		candidate = strings.TrimSpace(candidate)
	}

	var draft Draft
	if err := json.Unmarshal([]byte(candidate), &draft); err != nil {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON object in completion: %w", err)
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &draft); err != nil {
			return nil, fmt.Errorf("decoding completion: %w", err)
		}
	}

	draft.Reply = strings.TrimSpace(draft.Reply)
	if draft.Reply == "" {
		return nil, fmt.Errorf("completion has no reply text")
	}
	if draft.Confidence < 0 {
		draft.Confidence = 0
	}
	if draft.Confidence > 1 {
		draft.Confidence = 1
	}
	if draft.Intent == "" {
		draft.Intent = "other"
	}
	return &draft, nil
}

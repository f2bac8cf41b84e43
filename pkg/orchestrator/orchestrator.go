// Package orchestrator turns conversation context into an AI reply draft.
//
// The LLM call is the only external dependency: it goes through the shared
// rate limiter and the per-tenant circuit breaker, with one retry on a
// transient failure. Drafts failing the tenant's deny-list are reported as
// policy rejections, never sent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/replyloop/replyloop/pkg/breaker"
	"github.com/replyloop/replyloop/pkg/config"
	"github.com/replyloop/replyloop/pkg/faults"
	"github.com/replyloop/replyloop/pkg/ratelimit"
	"github.com/replyloop/replyloop/pkg/store"
	"github.com/replyloop/replyloop/pkg/tenant"
)

// contextMessages is how many recent messages feed the prompt.
const contextMessages = 20

// Draft is the parsed LLM output for one reply.
type Draft struct {
	Reply      string   `json:"reply"`
	Intent     string   `json:"intent"`
	Confidence float32  `json:"confidence"`
	Tags       []string `json:"tags"`
}

// chatClient is the slice of the OpenAI client the orchestrator uses.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Orchestrator drafts replies from conversation history and tenant settings.
type Orchestrator struct {
	store    *store.Store
	settings *tenant.SettingsCache
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	client   chatClient
	cfg      config.LLMConfig
	logger   *slog.Logger
}

// New creates the orchestrator.
func New(st *store.Store, settings *tenant.SettingsCache, limiter *ratelimit.Limiter, breakers *breaker.Registry, cfg config.LLMConfig) *Orchestrator {
	if st == nil || settings == nil || limiter == nil || breakers == nil {
		panic("orchestrator.New: all dependencies must be non-nil")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Orchestrator{
		store:    st,
		settings: settings,
		limiter:  limiter,
		breakers: breakers,
		client:   openai.NewClientWithConfig(clientCfg),
		cfg:      cfg,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// GenerateReply drafts a reply for the conversation. A draft hitting the
// tenant's deny-list returns a POLICY_VIOLATION fault; the caller decides
// the follow-up strategy.
func (o *Orchestrator) GenerateReply(ctx context.Context, tenantID, conversationID uuid.UUID) (*Draft, error) {
	settings, err := o.settings.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	conv, err := o.store.Conversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	history, err := o.store.RecentMessages(ctx, tenantID, conversationID, contextMessages)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, faults.Newf(faults.KindValidation, "EMPTY_CONVERSATION",
			"conversation %s has no messages to reply to", conversationID)
	}

	req := openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
		Messages:    buildMessages(settings, conv, history),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	raw, err := o.complete(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}

	draft, err := evaluateDraft(raw, settings.DenyList)
	if err != nil {
		o.logger.Warn("Draft rejected", "tenant_id", tenantID,
			"conversation_id", conversationID, "error_code", faults.CodeOf(err))
		return nil, err
	}
	return draft, nil
}

// complete calls the LLM through the limiter and breaker, retrying once on
// a transient failure.
func (o *Orchestrator) complete(ctx context.Context, tenantID uuid.UUID, req openai.ChatCompletionRequest) (string, error) {
	key := ratelimit.Key{TenantID: tenantID.String(), Upstream: "llm", EndpointClass: "chat"}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := o.limiter.Wait(ctx, key, 1); err != nil {
			return "", err
		}

		var content string
		err := o.breakers.Execute(ctx, tenantID.String(), "llm", func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
			defer cancel()

			resp, err := o.client.CreateChatCompletion(callCtx, req)
			if err != nil {
				return classifyLLMError(err)
			}
			if len(resp.Choices) == 0 {
				return faults.Newf(faults.KindUpstreamTransient, "EMPTY_COMPLETION",
					"provider returned no choices")
			}
			content = resp.Choices[0].Message.Content
			return nil
		})
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !faults.IsKind(err, faults.KindUpstreamTransient) || faults.CodeOf(err) == faults.CodeUpstreamOpen {
			return "", err
		}
		o.logger.Warn("LLM call failed, retrying once", "tenant_id", tenantID, "error", err)
	}
	return "", lastErr
}

func classifyLLMError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return faults.New(faults.KindUpstreamTransient, "LLM_UNAVAILABLE", err)
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return faults.New(faults.KindUpstreamTerminal, "LLM_AUTH", err)
		default:
			return faults.New(faults.KindUpstreamTerminal, "LLM_REJECTED", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.New(faults.KindUpstreamTransient, "LLM_TIMEOUT", err)
	}
	return faults.New(faults.KindUpstreamTransient, "LLM_UNAVAILABLE", err)
}

// firstDenied returns the first deny-list term found in text, or "".
// Matching is case-insensitive on the whole term.
func firstDenied(text string, denyList []string) string {
	lower := strings.ToLower(text)
	for _, term := range denyList {
		t := strings.ToLower(strings.TrimSpace(term))
		if t != "" && strings.Contains(lower, t) {
			return term
		}
	}
	return ""
}

// IdempotencyKey derives the stable candidate key for one inbound trigger,
// so a retried generate-reply job converges on the same candidate row.
func IdempotencyKey(conversationID uuid.UUID, triggerMessageID string) string {
	return fmt.Sprintf("draft:%s:%s", conversationID, triggerMessageID)
}

// followUpDelay spaces policy follow-ups away from the rejected draft.
const followUpDelay = 2 * time.Minute

// FollowUpDelay is the enqueue delay for a policy-rejection follow-up.
func FollowUpDelay() time.Duration { return followUpDelay }

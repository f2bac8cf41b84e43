// Package delivery decides how an outbound candidate reaches the customer:
// ManyChat when the tenant runs it, the Graph API otherwise, and templates
// when the reply window has closed.
//
// The bridge owns candidate state: it marks candidates sent, failed, or
// abandoned, records every attempt in the delivery log, and returns
// classified errors so the job runner can decide retry vs. dead-letter.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/replyloop/replyloop/pkg/breaker"
	"github.com/replyloop/replyloop/pkg/faults"
	"github.com/replyloop/replyloop/pkg/graph"
	"github.com/replyloop/replyloop/pkg/manychat"
	"github.com/replyloop/replyloop/pkg/platform"
	"github.com/replyloop/replyloop/pkg/ratelimit"
	"github.com/replyloop/replyloop/pkg/store"
	"github.com/replyloop/replyloop/pkg/tenant"
)

// Channel names recorded in delivery logs.
const (
	ChannelManyChat = "manychat"
	ChannelGraph    = "graph_direct"
	ChannelTemplate = "template_fallback"
)

// accountSource resolves the tenant's platform account id.
type accountSource interface {
	AccountID(ctx context.Context, tenantID uuid.UUID, pf platform.Platform) (string, error)
}

// Bridge routes outbound candidates to a delivery channel.
type Bridge struct {
	store    *store.Store
	windows  *store.WindowTracker
	settings *tenant.SettingsCache
	locker   *store.ConversationLocker
	manychat *manychat.Client
	graph    *graph.Client
	accounts accountSource
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	attempts *prometheus.CounterVec
	logger   *slog.Logger
}

// New creates the bridge. attempts may be nil.
func New(st *store.Store, windows *store.WindowTracker, settings *tenant.SettingsCache,
	locker *store.ConversationLocker, mc *manychat.Client, gc *graph.Client,
	accounts accountSource, limiter *ratelimit.Limiter, breakers *breaker.Registry,
	attempts *prometheus.CounterVec) *Bridge {
	if st == nil || windows == nil || settings == nil || locker == nil || gc == nil {
		panic("delivery.New: store, windows, settings, locker, and graph must be non-nil")
	}
	return &Bridge{
		store:    st,
		windows:  windows,
		settings: settings,
		locker:   locker,
		manychat: mc,
		graph:    gc,
		accounts: accounts,
		limiter:  limiter,
		breakers: breakers,
		attempts: attempts,
		logger:   slog.Default().With("component", "delivery"),
	}
}

// Deliver sends one candidate. It is safe to call repeatedly: an already
// sent candidate is a no-op, and the conversation advisory lock guarantees
// at most one in-flight send per thread.
func (b *Bridge) Deliver(ctx context.Context, tenantID, candidateID uuid.UUID, jobID *uuid.UUID, attempt int) error {
	candidate, err := b.store.Candidate(ctx, tenantID, candidateID)
	if err != nil {
		return err
	}
	if candidate.Status == store.CandidateSent {
		b.logger.Info("Candidate already sent, skipping",
			"tenant_id", tenantID, "candidate_id", candidateID)
		return nil
	}
	if candidate.Status == store.CandidateAbandoned {
		return nil
	}

	release, err := b.locker.Acquire(ctx, candidate.ConversationID)
	if err != nil {
		return err
	}
	defer release()

	conv, err := b.store.Conversation(ctx, tenantID, candidate.ConversationID)
	if err != nil {
		return err
	}
	settings, err := b.settings.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	windowState, err := b.windows.Check(ctx, tenantID, conv.Platform, conv.CustomerRef)
	if err != nil {
		return err
	}

	var (
		channel   string
		content   = candidate.Content
		template  bool
		upstream  string
		messageID string
	)
	if !windowState.AllowsFreeForm() {
		tpl, ok := settings.TemplateForIntent(candidate.Intent)
		if !ok {
			err := faults.Newf(faults.KindPolicy, faults.CodeTemplateRequired,
				"window %s and no template for intent %q", windowState, candidate.Intent)
			return b.abandon(ctx, tenantID, candidate, conv, jobID, attempt, err)
		}
		content = tpl.Text
		template = true
		b.logger.Info("Window closed, switching to template",
			"tenant_id", tenantID, "conversation_id", conv.ID,
			"template_id", tpl.ID, "window", windowState)
	}

	start := time.Now()
	channel, upstream, messageID, err = b.sendThroughChannel(ctx, tenantID, conv, settings, candidate, content, template)
	latency := int(time.Since(start).Milliseconds())

	logChannel := channel
	if template && channel == ChannelGraph {
		logChannel = ChannelTemplate
	}
	outcome := "sent"
	errClass := ""
	if err != nil {
		outcome = "failed"
		if faults.IsKind(err, faults.KindPolicy) {
			outcome = "rejected"
		}
		errClass = faults.CodeOf(err)
	}
	if logErr := b.store.RecordDelivery(ctx, tenantID, &store.DeliveryLog{
		JobID:             jobID,
		ConversationID:    conv.ID,
		Channel:           logChannel,
		Outcome:           outcome,
		UpstreamMessageID: messageID,
		AttemptNumber:     attempt,
		LatencyMS:         latency,
		ErrorClass:        errClass,
	}); logErr != nil {
		b.logger.Error("Failed to record delivery attempt", "error", logErr)
	}
	b.count(logChannel, outcome)

	if err != nil {
		if faults.IsKind(err, faults.KindPolicy) {
			return b.abandon(ctx, tenantID, candidate, conv, jobID, attempt, err)
		}
		if !faults.KindOf(err).Retryable() {
			if markErr := b.store.MarkCandidate(ctx, tenantID, candidate.ID, store.CandidateFailed, ""); markErr != nil {
				b.logger.Error("Failed to mark candidate failed", "error", markErr)
			}
		}
		return err
	}

	if err := b.store.MarkCandidate(ctx, tenantID, candidate.ID, store.CandidateSent, messageID); err != nil {
		return err
	}
	confidence := candidate.Confidence
	intent := candidate.Intent
	outMsg := &store.Message{
		ConversationID:    conv.ID,
		Platform:          conv.Platform,
		PlatformMessageID: platformMessageID(messageID, candidate.IdempotencyKey),
		Content:           content,
		Type:              messageType(template),
		AIConfidence:      &confidence,
		AIIntent:          &intent,
	}
	if err := b.store.AppendOutbound(ctx, tenantID, outMsg); err != nil {
		return err
	}

	b.logger.Info("Candidate delivered",
		"tenant_id", tenantID, "candidate_id", candidate.ID,
		"channel", upstream, "latency_ms", latency, "template", template)
	return nil
}

// sendThroughChannel tries ManyChat first for ManyChat tenants and falls
// back to the direct Graph path when the customer is not a subscriber or
// ManyChat itself is failing.
func (b *Bridge) sendThroughChannel(ctx context.Context, tenantID uuid.UUID, conv *store.Conversation, settings *tenant.Settings, candidate *store.OutboundCandidate, content string, template bool) (channel, upstream, messageID string, err error) {
	if settings.ManyChat.Enabled && b.manychat != nil && b.manychat.Enabled() {
		var subscriberID string
		subscriberID, messageID, err = b.sendManyChat(ctx, tenantID, conv, settings, content, template)
		if err == nil {
			b.syncSubscriber(ctx, tenantID, subscriberID, conv, candidate)
			return ChannelManyChat, "manychat", messageID, nil
		}
		if faults.IsKind(err, faults.KindPolicy) {
			return ChannelManyChat, "manychat", "", err
		}
		b.logger.Warn("ManyChat delivery failed, falling back to Graph",
			"tenant_id", tenantID, "conversation_id", conv.ID,
			"error_code", faults.CodeOf(err))
	}

	messageID, err = b.sendGraph(ctx, tenantID, conv, content, template)
	return ChannelGraph, "graph", messageID, err
}

func (b *Bridge) sendManyChat(ctx context.Context, tenantID uuid.UUID, conv *store.Conversation, settings *tenant.Settings, content string, template bool) (subscriberID, messageID string, err error) {
	key := ratelimit.Key{TenantID: tenantID.String(), Upstream: "manychat", EndpointClass: "send"}
	if err := b.limiter.Wait(ctx, key, 1); err != nil {
		return "", "", err
	}

	err = b.breakers.Execute(ctx, tenantID.String(), "manychat", func(ctx context.Context) error {
		subscriberID, err = b.manychat.FindSubscriber(ctx, conv.CustomerRef)
		if err != nil {
			return err
		}
		if template && settings.ManyChat.FlowID != "" {
			return b.manychat.TriggerFlow(ctx, subscriberID, settings.ManyChat.FlowID)
		}
		messageID, err = b.manychat.SendText(ctx, subscriberID, content)
		return err
	})
	return subscriberID, messageID, err
}

// syncSubscriber mirrors conversation state onto the ManyChat subscriber so
// tenant flow automations can branch on stage and intent. The message is
// already out, so failures here only log.
func (b *Bridge) syncSubscriber(ctx context.Context, tenantID uuid.UUID, subscriberID string, conv *store.Conversation, candidate *store.OutboundCandidate) {
	if err := b.manychat.SetFields(ctx, subscriberID, map[string]string{
		"conversation_stage": string(conv.Stage),
		"last_intent":        candidate.Intent,
	}); err != nil {
		b.logger.Warn("Failed to sync subscriber fields",
			"tenant_id", tenantID, "subscriber_id", subscriberID,
			"error_code", faults.CodeOf(err))
	}
	for _, tag := range candidate.Tags {
		if err := b.manychat.AddTag(ctx, subscriberID, tag); err != nil {
			b.logger.Warn("Failed to tag subscriber",
				"tenant_id", tenantID, "subscriber_id", subscriberID,
				"tag", tag, "error_code", faults.CodeOf(err))
		}
	}
}

func (b *Bridge) sendGraph(ctx context.Context, tenantID uuid.UUID, conv *store.Conversation, content string, template bool) (string, error) {
	key := ratelimit.Key{TenantID: tenantID.String(), Upstream: "graph", EndpointClass: "send"}
	if err := b.limiter.Wait(ctx, key, 1); err != nil {
		return "", err
	}

	accountID, err := b.accounts.AccountID(ctx, tenantID, conv.Platform)
	if err != nil {
		return "", faults.New(faults.KindTenant, faults.CodeTenantMisconfig, err)
	}

	var messageID string
	err = b.breakers.Execute(ctx, tenantID.String(), "graph", func(ctx context.Context) error {
		var sendErr error
		if template {
			messageID, sendErr = b.graph.SendTemplate(ctx, tenantID, conv.Platform, accountID, conv.CustomerRef, content)
		} else {
			messageID, sendErr = b.graph.SendText(ctx, tenantID, conv.Platform, accountID, conv.CustomerRef, content)
		}
		return sendErr
	})
	return messageID, err
}

// abandon closes the candidate on a policy rejection. The caller chain
// treats the returned error as terminal for the job; a follow-up job is the
// pipeline's responsibility.
func (b *Bridge) abandon(ctx context.Context, tenantID uuid.UUID, candidate *store.OutboundCandidate, conv *store.Conversation, jobID *uuid.UUID, attempt int, cause error) error {
	if err := b.store.MarkCandidate(ctx, tenantID, candidate.ID, store.CandidateAbandoned, ""); err != nil {
		b.logger.Error("Failed to abandon candidate", "error", err)
	}
	if err := b.store.RecordDelivery(ctx, tenantID, &store.DeliveryLog{
		JobID:          jobID,
		ConversationID: conv.ID,
		Channel:        ChannelTemplate,
		Outcome:        "rejected",
		AttemptNumber:  attempt,
		ErrorClass:     faults.CodeOf(cause),
	}); err != nil {
		b.logger.Error("Failed to record policy rejection", "error", err)
	}
	b.count(ChannelTemplate, "rejected")
	b.logger.Warn("Candidate abandoned on policy",
		"tenant_id", tenantID, "candidate_id", candidate.ID,
		"error_code", faults.CodeOf(cause))
	return cause
}

func (b *Bridge) count(channel, outcome string) {
	if b.attempts != nil {
		b.attempts.WithLabelValues(channel, outcome).Inc()
	}
}

// platformMessageID picks a stable message id for the outbound row: the
// upstream id when the channel reported one, else a deterministic synthetic
// id so replays stay idempotent.
func platformMessageID(upstreamID, idempotencyKey string) string {
	if upstreamID != "" {
		return upstreamID
	}
	return "out:" + idempotencyKey
}

func messageType(template bool) string {
	if template {
		return "template"
	}
	return "text"
}

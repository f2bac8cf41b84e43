package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/replyloop/replyloop/pkg/audit"
	"github.com/replyloop/replyloop/pkg/config"
	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/pkg/delivery"
	"github.com/replyloop/replyloop/pkg/faults"
	"github.com/replyloop/replyloop/pkg/orchestrator"
	"github.com/replyloop/replyloop/pkg/platform"
	"github.com/replyloop/replyloop/pkg/queue"
	"github.com/replyloop/replyloop/pkg/store"
)

// Pipeline owns the job handlers.
type Pipeline struct {
	db       *database.Client
	store    *store.Store
	locker   *store.ConversationLocker
	orch     *orchestrator.Orchestrator
	bridge   *delivery.Bridge
	queue    *queue.Queue
	audit    *audit.Log
	window   config.WindowConfig
	logger   *slog.Logger
}

// New creates the pipeline.
func New(db *database.Client, st *store.Store, locker *store.ConversationLocker,
	orch *orchestrator.Orchestrator, bridge *delivery.Bridge, q *queue.Queue,
	auditLog *audit.Log, window config.WindowConfig) *Pipeline {
	if db == nil || st == nil || locker == nil || orch == nil || bridge == nil || q == nil {
		panic("pipeline.New: all dependencies must be non-nil")
	}
	return &Pipeline{
		db:     db,
		store:  st,
		locker: locker,
		orch:   orch,
		bridge: bridge,
		queue:  q,
		audit:  auditLog,
		window: window,
		logger: slog.Default().With("component", "pipeline"),
	}
}

// Handlers returns the job-type registry for the worker pool.
func (p *Pipeline) Handlers() map[queue.JobType]queue.Handler {
	return map[queue.JobType]queue.Handler{
		queue.TypeProcessWebhook:  queue.HandlerFunc(p.processWebhook),
		queue.TypeGenerateReply:   queue.HandlerFunc(p.generateReply),
		queue.TypeDeliverOutbound: queue.HandlerFunc(p.deliverOutbound),
		queue.TypeFollowUp:        queue.HandlerFunc(p.followUp),
		queue.TypeCleanup:         queue.HandlerFunc(p.cleanup),
	}
}

// processWebhook lands an admitted interaction: conversation row, message
// row, window refresh, and a reply job. Replayed interactions stop here
// without a second reply job.
func (p *Pipeline) processWebhook(ctx context.Context, job *queue.Job) error {
	var payload ProcessWebhookPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return faults.New(faults.KindValidation, faults.CodeMalformedPayload,
			fmt.Errorf("decoding process_webhook payload: %w", err))
	}
	in := payload.Interaction

	conv, err := p.store.FindOrCreateConversation(ctx, payload.TenantID, in.Platform, in.CustomerRef)
	if err != nil {
		return err
	}

	created, err := p.store.AppendInbound(ctx, payload.TenantID, &store.Message{
		ConversationID:    conv.ID,
		Platform:          in.Platform,
		PlatformMessageID: in.PlatformMessageID,
		Content:           in.Text,
		Type:              messageTypeFor(in),
	})
	if err != nil {
		return err
	}
	if !created {
		p.logger.Info("Interaction already stored, skipping reply",
			"tenant_id", payload.TenantID, "platform_message_id", in.PlatformMessageID)
		return p.markEventProcessed(ctx, payload.EventID)
	}

	// Reply generation is pointless once the window has closed; give the
	// job a deadline just inside it.
	deadline := time.Now().Add(p.window.Duration() - p.window.Grace)
	if _, err := p.queue.Enqueue(ctx, queue.EnqueueRequest{
		TenantID: payload.TenantID,
		Type:     queue.TypeGenerateReply,
		Priority: queue.PriorityHigh,
		Deadline: deadline,
		Payload: GenerateReplyPayload{
			TenantID:         payload.TenantID,
			ConversationID:   conv.ID,
			TriggerMessageID: in.PlatformMessageID,
		},
	}); err != nil {
		return err
	}
	return p.markEventProcessed(ctx, payload.EventID)
}

// generateReply drafts the AI reply and hands it to delivery. Policy
// rejections are terminal for the draft but not for the customer: the
// conversation is escalated through a follow-up job instead.
func (p *Pipeline) generateReply(ctx context.Context, job *queue.Job) error {
	var payload GenerateReplyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return faults.New(faults.KindValidation, faults.CodeMalformedPayload,
			fmt.Errorf("decoding generate_reply payload: %w", err))
	}

	release, err := p.locker.Acquire(ctx, payload.ConversationID)
	if err != nil {
		return err
	}
	defer release()

	draft, err := p.orch.GenerateReply(ctx, payload.TenantID, payload.ConversationID)
	if err != nil {
		if faults.IsKind(err, faults.KindPolicy) {
			return p.abandonDraft(ctx, payload, err)
		}
		return err
	}

	candidate, created, err := p.store.CreateCandidate(ctx, payload.TenantID, &store.OutboundCandidate{
		ConversationID: payload.ConversationID,
		Content:        draft.Reply,
		Intent:         draft.Intent,
		Confidence:     draft.Confidence,
		Tags:           draft.Tags,
		IdempotencyKey: orchestrator.IdempotencyKey(payload.ConversationID, payload.TriggerMessageID),
	})
	if err != nil {
		return err
	}
	if !created {
		p.logger.Info("Candidate already exists for trigger, not re-drafting",
			"tenant_id", payload.TenantID, "candidate_id", candidate.ID)
	}

	if next, ok := stageForIntent(draft.Intent); ok {
		if err := p.store.UpdateStage(ctx, payload.TenantID, payload.ConversationID, next); err != nil {
			// A stale stage is not worth failing the reply over.
			p.logger.Warn("Stage update skipped", "conversation_id", payload.ConversationID, "error", err)
		}
	}

	deadline := time.Now().Add(p.window.Duration())
	_, err = p.queue.Enqueue(ctx, queue.EnqueueRequest{
		TenantID: payload.TenantID,
		Type:     queue.TypeDeliverOutbound,
		Priority: queue.PriorityHigh,
		Deadline: deadline,
		Payload: DeliverOutboundPayload{
			TenantID:    payload.TenantID,
			CandidateID: candidate.ID,
		},
	})
	return err
}

// abandonDraft records a policy-rejected draft and schedules the human
// escalation.
func (p *Pipeline) abandonDraft(ctx context.Context, payload GenerateReplyPayload, cause error) error {
	candidate, _, err := p.store.CreateCandidate(ctx, payload.TenantID, &store.OutboundCandidate{
		ConversationID: payload.ConversationID,
		Content:        "",
		Intent:         "policy_rejected",
		IdempotencyKey: orchestrator.IdempotencyKey(payload.ConversationID, payload.TriggerMessageID),
	})
	if err != nil {
		return err
	}
	if err := p.store.MarkCandidate(ctx, payload.TenantID, candidate.ID, store.CandidateAbandoned, ""); err != nil {
		return err
	}

	_, err = p.queue.Enqueue(ctx, queue.EnqueueRequest{
		TenantID: payload.TenantID,
		Type:     queue.TypeFollowUp,
		Priority: queue.PriorityNormal,
		RunAfter: orchestrator.FollowUpDelay(),
		Payload: FollowUpPayload{
			TenantID:       payload.TenantID,
			ConversationID: payload.ConversationID,
			Reason:         faults.CodeOf(cause),
		},
	})
	if err != nil {
		return err
	}
	p.logger.Warn("Draft abandoned on policy, follow-up scheduled",
		"tenant_id", payload.TenantID, "conversation_id", payload.ConversationID,
		"reason", faults.CodeOf(cause))
	return nil
}

// deliverOutbound pushes one candidate through the delivery bridge.
func (p *Pipeline) deliverOutbound(ctx context.Context, job *queue.Job) error {
	var payload DeliverOutboundPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return faults.New(faults.KindValidation, faults.CodeMalformedPayload,
			fmt.Errorf("decoding deliver_outbound payload: %w", err))
	}

	err := p.bridge.Deliver(ctx, payload.TenantID, payload.CandidateID, &job.ID, job.AttemptCount)
	if err != nil && faults.IsKind(err, faults.KindPolicy) {
		// The bridge already abandoned the candidate; escalate and close
		// the job.
		candidate, cErr := p.store.Candidate(ctx, payload.TenantID, payload.CandidateID)
		if cErr != nil {
			return cErr
		}
		_, qErr := p.queue.Enqueue(ctx, queue.EnqueueRequest{
			TenantID: payload.TenantID,
			Type:     queue.TypeFollowUp,
			Priority: queue.PriorityNormal,
			RunAfter: orchestrator.FollowUpDelay(),
			Payload: FollowUpPayload{
				TenantID:       payload.TenantID,
				ConversationID: candidate.ConversationID,
				Reason:         faults.CodeOf(err),
			},
		})
		return qErr
	}
	return err
}

// followUp flags a conversation the automation could not serve for human
// attention. Deliberately conservative: no automated message is sent on a
// policy-rejected thread.
func (p *Pipeline) followUp(ctx context.Context, job *queue.Job) error {
	var payload FollowUpPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return faults.New(faults.KindValidation, faults.CodeMalformedPayload,
			fmt.Errorf("decoding follow_up payload: %w", err))
	}

	if err := p.store.UpdateStage(ctx, payload.TenantID, payload.ConversationID, store.StageSupport); err != nil {
		return err
	}
	if p.audit != nil {
		p.audit.Record(ctx, "pipeline", "conversation.escalate",
			payload.ConversationID.String(), "", payload.Reason)
	}
	p.logger.Info("Conversation escalated for human follow-up",
		"tenant_id", payload.TenantID, "conversation_id", payload.ConversationID,
		"reason", payload.Reason)
	return nil
}

// cleanup sweeps expired admission records and aged-out terminal jobs.
func (p *Pipeline) cleanup(ctx context.Context, _ *queue.Job) error {
	return p.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		events, err := tx.Exec(ctx,
			`DELETE FROM webhook_events WHERE expires_at < now()`)
		if err != nil {
			return fmt.Errorf("pruning webhook events: %w", err)
		}
		jobs, err := tx.Exec(ctx, `
			DELETE FROM jobs
			WHERE status IN ('succeeded', 'failed') AND updated_at < now() - interval '7 days'`)
		if err != nil {
			return fmt.Errorf("pruning terminal jobs: %w", err)
		}
		p.logger.Info("Cleanup sweep complete",
			"events_pruned", events.RowsAffected(), "jobs_pruned", jobs.RowsAffected())
		return nil
	})
}

func (p *Pipeline) markEventProcessed(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	return p.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE webhook_events SET status = 'processed' WHERE event_id = $1`, eventID)
		return err
	})
}

// stageForIntent maps the AI-detected intent to a stage advance. Unmapped
// intents leave the stage alone.
func stageForIntent(intent string) (store.Stage, bool) {
	switch intent {
	case "greeting":
		return store.StageGreeting, true
	case "pricing", "product_question", "shipping":
		return store.StageDiscovery, true
	case "purchase":
		return store.StageClosing, true
	case "complaint":
		return store.StageSupport, true
	default:
		return "", false
	}
}

// messageTypeFor maps the interaction variant to the stored message type.
func messageTypeFor(in platform.Interaction) string {
	switch in.Type {
	case platform.InteractionStoryReply:
		return "story_reply"
	case platform.InteractionComment:
		return "comment"
	default:
		if in.MediaURL != "" {
			return "image"
		}
		return "text"
	}
}

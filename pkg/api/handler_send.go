package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/replyloop/replyloop/pkg/faults"
	"github.com/replyloop/replyloop/pkg/pipeline"
	"github.com/replyloop/replyloop/pkg/queue"
	"github.com/replyloop/replyloop/pkg/store"
)

// sendRequest is a manual outbound send on behalf of a tenant. Exactly one
// of text or template_id must be set; params feed template placeholders.
type sendRequest struct {
	TenantID       uuid.UUID         `json:"tenant_id" binding:"required"`
	ConversationID uuid.UUID         `json:"conversation_id" binding:"required"`
	Text           string            `json:"text"`
	TemplateID     string            `json:"template_id"`
	Params         map[string]string `json:"params"`
	IdempotencyKey string            `json:"idempotency_key" binding:"required"`
}

// send queues a manual message for delivery. The window is checked up
// front: a free-form send on a closed window without a generic template
// fails fast with TEMPLATE_REQUIRED and schedules a human follow-up
// instead of dying in the queue.
func (s *Server) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, faults.New(faults.KindValidation, faults.CodeMalformedPayload, err))
		return
	}
	if (req.Text == "") == (req.TemplateID == "") {
		respondError(c, faults.Newf(faults.KindValidation, faults.CodeMalformedPayload,
			"exactly one of text or template_id must be set"))
		return
	}
	ctx := c.Request.Context()

	conv, err := s.store.Conversation(ctx, req.TenantID, req.ConversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	settings, err := s.settings.Get(ctx, req.TenantID)
	if err != nil {
		respondError(c, err)
		return
	}

	windowState, err := s.windows.Check(ctx, req.TenantID, conv.Platform, conv.CustomerRef)
	if err != nil {
		respondError(c, err)
		return
	}

	content := req.Text
	intent := "manual"
	if req.TemplateID != "" {
		tpl, ok := settings.TemplateByID(req.TemplateID)
		if !ok {
			respondError(c, faults.Newf(faults.KindValidation, faults.CodeMalformedPayload,
				"tenant has no template %q", req.TemplateID))
			return
		}
		content = tpl.Render(req.Params)
		if tpl.Intent != "" {
			intent = tpl.Intent
		}
	} else if !windowState.AllowsFreeForm() {
		if _, ok := settings.TemplateForIntent(""); !ok {
			// No template can carry this send; flag the thread for a human.
			if _, qErr := s.queue.Enqueue(ctx, queue.EnqueueRequest{
				TenantID: req.TenantID,
				Type:     queue.TypeFollowUp,
				Priority: queue.PriorityNormal,
				Payload: pipeline.FollowUpPayload{
					TenantID:       req.TenantID,
					ConversationID: req.ConversationID,
					Reason:         faults.CodeTemplateRequired,
				},
			}); qErr != nil {
				s.logger.Error("Failed to enqueue follow-up", "error", qErr,
					"tenant_id", req.TenantID, "conversation_id", req.ConversationID)
			}
			respondError(c, faults.Newf(faults.KindPolicy, faults.CodeTemplateRequired,
				"window %s and tenant has no generic template", windowState))
			return
		}
	}

	candidate, created, err := s.store.CreateCandidate(ctx, req.TenantID, &store.OutboundCandidate{
		ConversationID: req.ConversationID,
		Content:        content,
		Intent:         intent,
		Confidence:     1,
		IdempotencyKey: "manual:" + req.IdempotencyKey,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	if created {
		if _, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
			TenantID: req.TenantID,
			Type:     queue.TypeDeliverOutbound,
			Priority: queue.PriorityHigh,
			Payload: pipeline.DeliverOutboundPayload{
				TenantID:    req.TenantID,
				CandidateID: candidate.ID,
			},
		}); err != nil {
			respondError(c, err)
			return
		}
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK // replayed idempotency key, already queued
	}
	c.JSON(status, gin.H{
		"candidate_id": candidate.ID,
		"status":       candidate.Status,
		"window":       windowState,
	})
}

// Package pipeline wires the job types to their handlers: webhook
// processing, reply generation, delivery, follow-ups, and cleanup.
package pipeline

import (
	"github.com/google/uuid"

	"github.com/replyloop/replyloop/pkg/platform"
)

// ProcessWebhookPayload carries one admitted interaction into the pipeline.
type ProcessWebhookPayload struct {
	EventID     string               `json:"event_id"`
	TenantID    uuid.UUID            `json:"tenant_id"`
	Interaction platform.Interaction `json:"interaction"`
}

// GenerateReplyPayload asks for an AI draft for one conversation.
type GenerateReplyPayload struct {
	TenantID         uuid.UUID `json:"tenant_id"`
	ConversationID   uuid.UUID `json:"conversation_id"`
	TriggerMessageID string    `json:"trigger_message_id"`
}

// DeliverOutboundPayload sends one candidate.
type DeliverOutboundPayload struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	CandidateID uuid.UUID `json:"candidate_id"`
}

// FollowUpPayload escalates a conversation the pipeline could not serve.
type FollowUpPayload struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Reason         string    `json:"reason"`
}

// CleanupPayload triggers a maintenance sweep. Empty by design.
type CleanupPayload struct{}

// Package store persists conversations, messages, outbound candidates, and
// delivery logs, and tracks the platform reply window per customer.
//
// Every method runs under the caller's tenant context via the database
// client's scoped transactions; nothing in this package ever widens the
// tenant scope.
package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/pkg/platform"
)

// Stage is the conversation lifecycle stage. Transitions only move forward,
// except that support and resolved are reachable from anywhere.
type Stage string

const (
	StageGreeting    Stage = "greeting"
	StageDiscovery   Stage = "discovery"
	StageNegotiation Stage = "negotiation"
	StageClosing     Stage = "closing"
	StageSupport     Stage = "support"
	StageResolved    Stage = "resolved"
)

var stageRank = map[Stage]int{
	StageGreeting:    0,
	StageDiscovery:   1,
	StageNegotiation: 2,
	StageClosing:     3,
}

// Conversation is one customer thread on one platform account.
type Conversation struct {
	ID                    uuid.UUID
	TenantID              uuid.UUID
	Platform              platform.Platform
	CustomerRef           string
	Stage                 Stage
	LastCustomerMessageAt *time.Time
	LastOutboundAt        *time.Time
	CreatedAt             time.Time
}

// Direction of a stored message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one stored message, inbound or outbound.
type Message struct {
	ID                uuid.UUID
	ConversationID    uuid.UUID
	TenantID          uuid.UUID
	Platform          platform.Platform
	Direction         Direction
	PlatformMessageID string
	Content           string
	Type              string
	AIConfidence      *float32
	AIIntent          *string
	ProcessingTimeMS  *int32
	CreatedAt         time.Time
}

// CandidateStatus is the delivery state of an outbound candidate.
type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending_delivery"
	CandidateSent      CandidateStatus = "sent"
	CandidateFailed    CandidateStatus = "failed"
	CandidateAbandoned CandidateStatus = "abandoned_policy"
)

// OutboundCandidate is an AI-drafted reply awaiting (or past) delivery.
type OutboundCandidate struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	ConversationID    uuid.UUID
	Content           string
	Intent            string
	Confidence        float32
	Tags              []string
	Status            CandidateStatus
	IdempotencyKey    string
	UpstreamMessageID *string
	CreatedAt         time.Time
}

// DeliveryLog is one delivery attempt record.
type DeliveryLog struct {
	ID                uuid.UUID
	JobID             *uuid.UUID
	ConversationID    uuid.UUID
	TenantID          uuid.UUID
	Channel           string // "manychat", "graph_direct", "template_fallback"
	Outcome           string // "sent", "delivered", "rejected", "deferred", "failed"
	UpstreamMessageID string
	AttemptNumber     int
	LatencyMS         int
	ErrorClass        string
}

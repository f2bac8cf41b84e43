// Package platform defines canonical platform identifiers and parses
// inbound webhook envelopes into a closed set of interaction records.
//
// Envelopes are treated as versioned tagged variants: every interaction a
// parser emits is one of the InteractionType values below. Unknown variants
// are counted and dropped, never coerced.
package platform

// Platform is a canonical platform identifier. Always lowercase; legacy
// uppercase rows are normalized during migration.
type Platform string

const (
	Instagram Platform = "instagram"
	WhatsApp  Platform = "whatsapp"
	Facebook  Platform = "facebook"
)

// Valid reports whether p is a known canonical platform value.
func (p Platform) Valid() bool {
	switch p {
	case Instagram, WhatsApp, Facebook:
		return true
	}
	return false
}

// InteractionType is the kind of inbound interaction inside an envelope.
type InteractionType string

const (
	InteractionMessage    InteractionType = "message"
	InteractionStoryReply InteractionType = "story_reply"
	InteractionComment    InteractionType = "comment"
)

// Interaction is one platform interaction extracted from an envelope.
// Exactly one process_webhook job is emitted per interaction.
type Interaction struct {
	Type              InteractionType
	Platform          Platform
	AccountID         string // platform business account id (tenant lookup key)
	CustomerRef       string // opaque platform-specific customer id
	PlatformMessageID string // unique per platform; dedupe key
	Text              string
	MediaURL          string
	TimestampMS       int64
}

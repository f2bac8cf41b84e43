package platform

import (
	"encoding/json"
	"fmt"
)

// ManyChatEnvelope is the inbound ManyChat webhook payload. ManyChat relays
// subscriber messages it received on our behalf; we ingest them like any
// other inbound so the conversation history stays complete.
type ManyChatEnvelope struct {
	Event      string `json:"event"`
	PageID     string `json:"page_id"`
	Subscriber struct {
		ID         string `json:"id"`
		InstagramID string `json:"ig_id"`
	} `json:"subscriber"`
	Message struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"message"`
	Timestamp int64 `json:"timestamp"`
}

// ParseManyChat parses a ManyChat webhook body. Only "message_received"
// events produce interactions; other event kinds yield an empty slice.
func ParseManyChat(body []byte) ([]Interaction, error) {
	var env ManyChatEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding manychat envelope: %w", err)
	}
	if env.Event != "message_received" {
		return nil, nil
	}

	customer := env.Subscriber.InstagramID
	if customer == "" {
		customer = env.Subscriber.ID
	}
	return []Interaction{{
		Type:              InteractionMessage,
		Platform:          Instagram,
		AccountID:         env.PageID,
		CustomerRef:       customer,
		PlatformMessageID: env.Message.ID,
		Text:              env.Message.Text,
		TimestampMS:       env.Timestamp,
	}}, nil
}

package platform

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// MetaEnvelope is the Meta (Instagram/Facebook) webhook envelope.
type MetaEnvelope struct {
	Object string      `json:"object"`
	Entry  []MetaEntry `json:"entry"`
}

// MetaEntry is one account-scoped batch inside a Meta envelope.
type MetaEntry struct {
	ID        string          `json:"id"` // business account / page id
	Time      int64           `json:"time"`
	Messaging []MetaMessaging `json:"messaging"`
	Changes   []MetaChange    `json:"changes"`
}

// MetaMessaging is a single messaging event (DM or story reply).
type MetaMessaging struct {
	Sender    MetaParty    `json:"sender"`
	Recipient MetaParty    `json:"recipient"`
	Timestamp int64        `json:"timestamp"`
	Message   *MetaMessage `json:"message"`
}

// MetaParty identifies a messaging participant.
type MetaParty struct {
	ID string `json:"id"`
}

// MetaMessage is the message body of a messaging event.
type MetaMessage struct {
	MID         string `json:"mid"`
	Text        string `json:"text"`
	IsEcho      bool   `json:"is_echo"`
	Attachments []struct {
		Type    string `json:"type"`
		Payload struct {
			URL string `json:"url"`
		} `json:"payload"`
	} `json:"attachments"`
	ReplyTo *struct {
		Story *struct {
			URL string `json:"url"`
			ID  string `json:"id"`
		} `json:"story"`
	} `json:"reply_to"`
}

// MetaChange is a field-change event (comments arrive here).
type MetaChange struct {
	Field string `json:"field"`
	Value struct {
		ID   string `json:"id"` // comment id
		Text string `json:"text"`
		From struct {
			ID string `json:"id"`
		} `json:"from"`
		Media struct {
			ID string `json:"id"`
		} `json:"media"`
	} `json:"value"`
}

// ParseMeta parses a Meta webhook body into interaction records. An envelope
// with zero interactions is valid and yields an empty slice. Echo events
// (our own outbound mirrored back) and unknown variants are dropped.
func ParseMeta(body []byte) ([]Interaction, error) {
	var env MetaEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding meta envelope: %w", err)
	}

	var pf Platform
	switch env.Object {
	case "instagram":
		pf = Instagram
	case "page":
		pf = Facebook
	default:
		return nil, fmt.Errorf("unsupported envelope object %q", env.Object)
	}

	var out []Interaction
	for _, entry := range env.Entry {
		for _, msg := range entry.Messaging {
			in, ok := messagingInteraction(pf, entry.ID, msg)
			if !ok {
				continue
			}
			out = append(out, in)
		}
		for _, change := range entry.Changes {
			if change.Field != "comments" {
				slog.Debug("Dropping unknown change variant", "field", change.Field, "platform", pf)
				continue
			}
			if change.Value.From.ID == entry.ID {
				// Our own comment echoed back.
				continue
			}
			out = append(out, Interaction{
				Type:              InteractionComment,
				Platform:          pf,
				AccountID:         entry.ID,
				CustomerRef:       change.Value.From.ID,
				PlatformMessageID: change.Value.ID,
				Text:              change.Value.Text,
				TimestampMS:       entry.Time * 1000,
			})
		}
	}
	return out, nil
}

func messagingInteraction(pf Platform, accountID string, msg MetaMessaging) (Interaction, bool) {
	if msg.Message == nil || msg.Message.IsEcho {
		return Interaction{}, false
	}
	if msg.Sender.ID == "" || msg.Sender.ID == accountID {
		// Self-sent or malformed sender; nothing to reply to.
		return Interaction{}, false
	}

	in := Interaction{
		Type:              InteractionMessage,
		Platform:          pf,
		AccountID:         accountID,
		CustomerRef:       msg.Sender.ID,
		PlatformMessageID: msg.Message.MID,
		Text:              msg.Message.Text,
		TimestampMS:       msg.Timestamp,
	}
	if msg.Message.ReplyTo != nil && msg.Message.ReplyTo.Story != nil {
		in.Type = InteractionStoryReply
		in.MediaURL = msg.Message.ReplyTo.Story.URL
	} else if len(msg.Message.Attachments) > 0 {
		in.MediaURL = msg.Message.Attachments[0].Payload.URL
	}
	return in, true
}

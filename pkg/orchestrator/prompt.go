package orchestrator

import (
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/replyloop/replyloop/pkg/store"
	"github.com/replyloop/replyloop/pkg/tenant"
)

// buildMessages assembles the chat request: one system message carrying the
// tenant's voice and the reply contract, then the recent history in order.
func buildMessages(settings *tenant.Settings, conv *store.Conversation, history []store.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(settings, conv),
	})
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Direction == store.DirectionOutbound {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return msgs
}

func systemPrompt(settings *tenant.Settings, conv *store.Conversation) string {
	var b strings.Builder
	b.WriteString("You are a sales assistant replying to a customer in a direct-message conversation.\n")

	if settings.AITone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", settings.AITone)
	}
	if settings.Language != "" {
		fmt.Fprintf(&b, "Reply in language: %s.\n", settings.Language)
	}
	if settings.ProductHints != "" {
		fmt.Fprintf(&b, "Product context: %s\n", settings.ProductHints)
	}
	if settings.WorkingHours != "" {
		fmt.Fprintf(&b, "Business working hours: %s.\n", settings.WorkingHours)
	}
	fmt.Fprintf(&b, "Conversation stage: %s.\n", conv.Stage)

	b.WriteString(`
Respond with a single JSON object, nothing else:
{"reply": "<message to send>", "intent": "<one of: greeting, pricing, shipping, product_question, complaint, purchase, other>", "confidence": <0.0-1.0>, "tags": ["<short labels>"]}
Keep the reply short and conversational. Never invent prices or stock levels not present in the product context.`)
	return b.String()
}

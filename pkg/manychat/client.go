// Package manychat is the ManyChat API adapter: subscriber lookup, text
// sends, and flow triggers.
//
// Raw ManyChat responses never leave this package; every failure is
// classified into the shared fault taxonomy before it crosses the boundary.
package manychat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/replyloop/replyloop/pkg/config"
	"github.com/replyloop/replyloop/pkg/faults"
	"github.com/replyloop/replyloop/pkg/version"
)

// Client talks to the ManyChat API for one installation-wide API key.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates the adapter. A client with an empty API key is valid
// but Enabled() reports false and every call fails cleanly.
func NewClient(cfg config.ManyChatConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		logger:     slog.Default().With("component", "manychat"),
	}
}

// Enabled reports whether the ManyChat channel is configured at all.
func (c *Client) Enabled() bool { return c.apiKey != "" }

// Subscriber is the slim view of a ManyChat subscriber this service needs.
type Subscriber struct {
	ID string `json:"id"`
}

// FindSubscriber resolves a platform-scoped customer ref to a ManyChat
// subscriber id. A customer ManyChat has never seen fails with
// NOT_SUBSCRIBED, which routes delivery to the direct Graph path.
func (c *Client) FindSubscriber(ctx context.Context, customerRef string) (string, error) {
	var out struct {
		Status string     `json:"status"`
		Data   Subscriber `json:"data"`
	}
	query := url.Values{"name": {customerRef}}
	err := c.call(ctx, http.MethodGet, "/fb/subscriber/findByName?"+query.Encode(), nil, &out)
	if err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", faults.Newf(faults.KindUpstreamTerminal, faults.CodeNotSubscribed,
			"customer %s is not a ManyChat subscriber", customerRef)
	}
	return out.Data.ID, nil
}

// SendText sends a text message to a subscriber and returns the upstream
// message id when the API reports one.
func (c *Client) SendText(ctx context.Context, subscriberID, text string) (string, error) {
	body := map[string]any{
		"subscriber_id": subscriberID,
		"data": map[string]any{
			"version": "v2",
			"content": map[string]any{
				"messages": []map[string]any{{"type": "text", "text": text}},
			},
		},
	}
	var out struct {
		Status string `json:"status"`
		Data   struct {
			MessageID string `json:"message_id"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodPost, "/fb/sending/sendContent", body, &out); err != nil {
		return "", err
	}
	return out.Data.MessageID, nil
}

// TriggerFlow starts a pre-built flow for a subscriber. Used for template
// sends outside the reply window when the tenant runs ManyChat.
func (c *Client) TriggerFlow(ctx context.Context, subscriberID, flowID string) error {
	body := map[string]any{
		"subscriber_id": subscriberID,
		"flow_ns":       flowID,
	}
	return c.call(ctx, http.MethodPost, "/fb/sending/sendFlow", body, nil)
}

// SetFields updates custom field values on a subscriber, so tenant flow
// automations can branch on conversation state.
func (c *Client) SetFields(ctx context.Context, subscriberID string, fields map[string]string) error {
	values := make([]map[string]string, 0, len(fields))
	for name, value := range fields {
		values = append(values, map[string]string{"field_name": name, "field_value": value})
	}
	body := map[string]any{
		"subscriber_id": subscriberID,
		"fields":        values,
	}
	return c.call(ctx, http.MethodPost, "/fb/subscriber/setCustomFields", body, nil)
}

// AddTag attaches a tag to a subscriber. Unknown tags are a terminal
// rejection from ManyChat, never a retry.
func (c *Client) AddTag(ctx context.Context, subscriberID, tag string) error {
	body := map[string]any{
		"subscriber_id": subscriberID,
		"tag_name":      tag,
	}
	return c.call(ctx, http.MethodPost, "/fb/subscriber/addTagByName", body, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if !c.Enabled() {
		return faults.Newf(faults.KindUpstreamTerminal, "MANYCHAT_DISABLED",
			"manychat channel is not configured")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling manychat request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building manychat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.New(faults.KindUpstreamTransient, "MANYCHAT_UNREACHABLE", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return faults.New(faults.KindUpstreamTransient, "MANYCHAT_UNREACHABLE", err)
	}

	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		c.logger.Warn("ManyChat call failed", "path", path,
			"status", resp.StatusCode, "error_code", faults.CodeOf(err))
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return faults.New(faults.KindUpstreamTransient, "MANYCHAT_BAD_RESPONSE",
				fmt.Errorf("decoding manychat response: %w", err))
		}
	}
	return nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return faults.Newf(faults.KindUpstreamTransient, faults.CodeRateLimited,
			"manychat rate limited")
	case status >= 500:
		return faults.Newf(faults.KindUpstreamTransient, "MANYCHAT_5XX",
			"manychat returned %d", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return faults.Newf(faults.KindUpstreamTerminal, "MANYCHAT_AUTH",
			"manychat rejected the API key")
	default:
		// ManyChat reports unknown subscribers as a 400 with a details blob.
		if bytes.Contains(body, []byte("subscriber")) && bytes.Contains(body, []byte("not found")) {
			return faults.Newf(faults.KindUpstreamTerminal, faults.CodeNotSubscribed,
				"subscriber not found")
		}
		return faults.Newf(faults.KindUpstreamTerminal, "MANYCHAT_REJECTED",
			"manychat returned %d", status)
	}
}

// Package graph is the Meta Graph API adapter for direct Instagram sends.
//
// Tokens come from the credential vault per tenant; the X-App-Usage header
// of every response is fed back to the rate limiter so sustained pressure
// slows us down before Meta starts rejecting.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyloop/replyloop/pkg/credentials"
	"github.com/replyloop/replyloop/pkg/faults"
	"github.com/replyloop/replyloop/pkg/platform"
	"github.com/replyloop/replyloop/pkg/ratelimit"
	"github.com/replyloop/replyloop/pkg/version"
)

const (
	defaultBaseURL = "https://graph.facebook.com"
	apiVersion     = "v21.0"
)

// UsageObserver receives parsed X-App-Usage telemetry.
type UsageObserver interface {
	ObserveUsage(key ratelimit.Key, percent float64)
}

// Client sends messages through the Graph API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	vault      *credentials.Vault
	usage      UsageObserver
	logger     *slog.Logger

	// refreshing serializes token refresh per tenant so concurrent workers
	// hitting an expiring token trigger exactly one refresh.
	mu         sync.Mutex
	refreshing map[uuid.UUID]*sync.Mutex
}

// NewClient creates the adapter. usage may be nil; baseURL "" means the
// real Graph endpoint.
func NewClient(vault *credentials.Vault, usage UsageObserver, baseURL string) *Client {
	if vault == nil {
		panic("graph.NewClient: vault must not be nil")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		vault:      vault,
		usage:      usage,
		logger:     slog.Default().With("component", "graph"),
		refreshing: make(map[uuid.UUID]*sync.Mutex),
	}
}

// SendText sends a free-form text message inside the reply window.
func (c *Client) SendText(ctx context.Context, tenantID uuid.UUID, pf platform.Platform, accountID, recipientID, text string) (string, error) {
	return c.send(ctx, tenantID, pf, accountID, map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message":   map[string]string{"text": text},
	})
}

// SendTemplate sends a pre-approved message outside the reply window using
// the human-agent tag, the only Graph mechanism permitted there.
func (c *Client) SendTemplate(ctx context.Context, tenantID uuid.UUID, pf platform.Platform, accountID, recipientID, text string) (string, error) {
	return c.send(ctx, tenantID, pf, accountID, map[string]any{
		"recipient":      map[string]string{"id": recipientID},
		"message":        map[string]string{"text": text},
		"messaging_type": "MESSAGE_TAG",
		"tag":            "HUMAN_AGENT",
	})
}

func (c *Client) send(ctx context.Context, tenantID uuid.UUID, pf platform.Platform, accountID string, body map[string]any) (string, error) {
	token, err := c.vault.AccessToken(ctx, tenantID, pf)
	if err != nil {
		return "", err
	}

	id, err := c.post(ctx, tenantID, accountID, token, body)
	if err != nil && faults.CodeOf(err) == faults.CodeTokenExpired {
		// One serialized refresh, then a single replay.
		if rErr := c.refreshToken(ctx, tenantID, pf, accountID, token); rErr != nil {
			return "", rErr
		}
		token, err = c.vault.AccessToken(ctx, tenantID, pf)
		if err != nil {
			return "", err
		}
		id, err = c.post(ctx, tenantID, accountID, token, body)
	}
	return id, err
}

func (c *Client) post(ctx context.Context, tenantID uuid.UUID, accountID, token string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling graph request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages?access_token=%s", c.baseURL, apiVersion, accountID, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", faults.New(faults.KindUpstreamTransient, "GRAPH_UNREACHABLE", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.observeUsage(tenantID, resp.Header.Get("X-App-Usage"))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", faults.New(faults.KindUpstreamTransient, "GRAPH_UNREACHABLE", err)
	}
	if err := classifyResponse(resp.StatusCode, raw); err != nil {
		c.logger.Warn("Graph call failed", "tenant_id", tenantID,
			"status", resp.StatusCode, "error_code", faults.CodeOf(err))
		return "", err
	}

	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", faults.New(faults.KindUpstreamTransient, "GRAPH_BAD_RESPONSE",
			fmt.Errorf("decoding graph response: %w", err))
	}
	return out.MessageID, nil
}

// refreshToken exchanges the current long-lived token for a fresh one.
// staleToken guards the double-refresh race: whoever loses the per-tenant
// mutex sees a rotated token and skips its own refresh.
func (c *Client) refreshToken(ctx context.Context, tenantID uuid.UUID, pf platform.Platform, accountID, staleToken string) error {
	c.mu.Lock()
	lock, ok := c.refreshing[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		c.refreshing[tenantID] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	current, err := c.vault.AccessToken(ctx, tenantID, pf)
	if err != nil {
		return err
	}
	if current != staleToken {
		return nil // another worker already refreshed
	}

	url := fmt.Sprintf("%s/%s/refresh_access_token?grant_type=ig_refresh_token&access_token=%s",
		c.baseURL, apiVersion, current)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building refresh request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.New(faults.KindUpstreamTransient, "GRAPH_UNREACHABLE", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return faults.Newf(faults.KindUpstreamTerminal, faults.CodeTokenExpired,
			"token refresh rejected with %d", resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.AccessToken == "" {
		return faults.Newf(faults.KindUpstreamTransient, "GRAPH_BAD_RESPONSE",
			"refresh response missing access_token")
	}

	expiresAt := time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	if err := c.vault.Rotate(ctx, tenantID, pf, out.AccessToken, expiresAt); err != nil {
		return err
	}
	c.logger.Info("Access token refreshed", "tenant_id", tenantID, "account_id", accountID)
	return nil
}

func (c *Client) observeUsage(tenantID uuid.UUID, header string) {
	if c.usage == nil || header == "" {
		return
	}
	pct, ok := parseAppUsage(header)
	if !ok {
		return
	}
	c.usage.ObserveUsage(ratelimit.Key{
		TenantID: tenantID.String(),
		Upstream: "graph",
	}, pct)
}

// parseAppUsage extracts the worst utilization percentage from an
// X-App-Usage header like {"call_count":35,"total_time":12,"total_cputime":5}.
func parseAppUsage(header string) (float64, bool) {
	var usage struct {
		CallCount    float64 `json:"call_count"`
		TotalTime    float64 `json:"total_time"`
		TotalCPUTime float64 `json:"total_cputime"`
	}
	if err := json.Unmarshal([]byte(header), &usage); err != nil {
		return 0, false
	}
	worst := usage.CallCount
	if usage.TotalTime > worst {
		worst = usage.TotalTime
	}
	if usage.TotalCPUTime > worst {
		worst = usage.TotalCPUTime
	}
	return worst, true
}

// graphError is the error envelope Graph returns on failures.
type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

func classifyResponse(status int, body []byte) error {
	if status < 300 {
		return nil
	}

	var ge graphError
	_ = json.Unmarshal(body, &ge)

	switch {
	case status == http.StatusTooManyRequests || ge.Error.Code == 4 || ge.Error.Code == 17:
		return faults.Newf(faults.KindUpstreamTransient, faults.CodeRateLimited,
			"graph rate limited (code %d)", ge.Error.Code)
	case status >= 500:
		return faults.Newf(faults.KindUpstreamTransient, "GRAPH_5XX",
			"graph returned %d", status)
	case ge.Error.Code == 190:
		return faults.Newf(faults.KindUpstreamTerminal, faults.CodeTokenExpired,
			"access token expired (subcode %d)", ge.Error.Subcode)
	case ge.Error.Code == 10 || ge.Error.Code == 551:
		// Messaging-window or recipient-unavailable policy errors.
		return faults.Newf(faults.KindPolicy, faults.CodePolicyViolation,
			"graph policy rejection: %s", ge.Error.Message)
	default:
		return faults.Newf(faults.KindUpstreamTerminal, "GRAPH_REJECTED",
			"graph returned %d (code %d, trace %s)", status, ge.Error.Code, ge.Error.FBTraceID)
	}
}

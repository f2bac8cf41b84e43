package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyloop/replyloop/pkg/config"
	"github.com/replyloop/replyloop/pkg/faults"
	"github.com/replyloop/replyloop/pkg/idempotency"
	"github.com/replyloop/replyloop/pkg/metrics"
	"github.com/replyloop/replyloop/pkg/signature"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := metrics.New()
	return &Server{
		cfg: &config.Config{
			Environment:   config.EnvDevelopment,
			MetaAppSecret: "test-secret",
			IGVerifyToken: "verify-me",
			ManyChat:      config.ManyChatConfig{WebhookSecret: "mc-secret"},
		},
		verifier: signature.NewVerifier("test-secret"),
		idem:     idempotency.NewStore(rdb, m.IdempotencyDegraded),
		metrics:  m,
		logger:   slog.Default().With("component", "api"),
	}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHandshake(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := testServer(t)
	r := gin.New()
	r.GET("/webhooks/instagram", s.verifyHandshake)

	t.Run("echoes challenge on valid token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet,
			"/webhooks/instagram?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "12345", w.Body.String())
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet,
			"/webhooks/instagram?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NotContains(t, w.Body.String(), "12345")
	})

	t.Run("unexpected mode is a bad request", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet,
			"/webhooks/instagram?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NotContains(t, w.Body.String(), "12345")
	})
}

func TestIngestMeta(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := testServer(t)
	r := gin.New()
	r.POST("/webhooks/instagram", bodyLimit(), s.ingestMeta)

	t.Run("rejects missing signature", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram",
			strings.NewReader(`{"object":"instagram","entry":[]}`))
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), faults.CodeMissingSignature)
	})

	t.Run("rejects tampered body", func(t *testing.T) {
		body := []byte(`{"object":"instagram","entry":[]}`)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram",
			bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", signBody("test-secret", []byte("different body")))
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), faults.CodeInvalidSignature)
	})

	t.Run("rejects malformed envelope", func(t *testing.T) {
		body := []byte(`not json at all`)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram",
			bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", signBody("test-secret", body))
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), faults.CodeMalformedPayload)
	})

	t.Run("accepts empty batch", func(t *testing.T) {
		body := []byte(`{"object":"instagram","entry":[]}`)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram",
			bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", signBody("test-secret", body))
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "EVENT_RECEIVED", w.Body.String())
	})
}

func TestIngestManyChatSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := testServer(t)
	r := gin.New()
	r.POST("/webhooks/manychat", bodyLimit(), s.ingestManyChat)

	t.Run("rejects missing secret header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/manychat",
			strings.NewReader(`{}`))
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/manychat",
			strings.NewReader(`{}`))
		req.Header.Set("X-ManyChat-Secret", "nope")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestSendRequestValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := testServer(t)
	r := gin.New()
	r.POST("/api/v1/send", bodyLimit(), s.send)

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/send", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("neither text nor template_id", func(t *testing.T) {
		w := post(`{"tenant_id":"11111111-1111-1111-1111-111111111111",
			"conversation_id":"22222222-2222-2222-2222-222222222222",
			"idempotency_key":"k1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), faults.CodeMalformedPayload)
	})

	t.Run("both text and template_id", func(t *testing.T) {
		w := post(`{"tenant_id":"11111111-1111-1111-1111-111111111111",
			"conversation_id":"22222222-2222-2222-2222-222222222222",
			"text":"hi","template_id":"t-1","idempotency_key":"k1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), faults.CodeMalformedPayload)
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		w := post(`{"tenant_id":"11111111-1111-1111-1111-111111111111",
			"conversation_id":"22222222-2222-2222-2222-222222222222",
			"text":"hi"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("request id generated when absent", func(t *testing.T) {
		r := gin.New()
		r.Use(requestID())
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("request id echoed when supplied", func(t *testing.T) {
		r := gin.New()
		r.Use(requestID())
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "trace-abc")
		r.ServeHTTP(w, req)

		assert.Equal(t, "trace-abc", w.Header().Get("X-Request-ID"))
	})

	t.Run("hsts only in production", func(t *testing.T) {
		for _, production := range []bool{true, false} {
			r := gin.New()
			r.Use(securityHeaders(production))
			r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
			assert.Equal(t, "default-src 'none'; frame-ancestors 'none'",
				w.Header().Get("Content-Security-Policy"))
			hsts := w.Header().Get("Strict-Transport-Security")
			if production {
				assert.NotEmpty(t, hsts)
			} else {
				assert.Empty(t, hsts)
			}
		}
	})

	t.Run("oversized content-length rejected", func(t *testing.T) {
		r := gin.New()
		r.POST("/", bodyLimit(), func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
		req.ContentLength = maxBodyBytes + 1
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", faults.Newf(faults.KindValidation, faults.CodeMalformedPayload, "bad"), http.StatusBadRequest},
		{"payload too large", faults.Newf(faults.KindValidation, faults.CodePayloadTooLarge, "big"), http.StatusRequestEntityTooLarge},
		{"auth", faults.Newf(faults.KindAuth, faults.CodeInvalidSignature, "sig"), http.StatusUnauthorized},
		{"unknown tenant", faults.Newf(faults.KindTenant, faults.CodeUnknownTenant, "who"), http.StatusNotFound},
		{"suspended tenant", faults.Newf(faults.KindTenant, faults.CodeTenantSuspended, "off"), http.StatusForbidden},
		{"policy", faults.Newf(faults.KindPolicy, faults.CodeTemplateRequired, "tpl"), http.StatusUnprocessableEntity},
		{"transient upstream", faults.Newf(faults.KindUpstreamTransient, faults.CodeUpstreamOpen, "open"), http.StatusServiceUnavailable},
		{"rate limited", faults.Newf(faults.KindUpstreamTransient, faults.CodeRateLimited, "slow"), http.StatusTooManyRequests},
		{"terminal upstream", faults.Newf(faults.KindUpstreamTerminal, faults.CodeNotSubscribed, "gone"), http.StatusBadGateway},
		{"plain error", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err, faults.CodeOf(tc.err)))
		})
	}
}

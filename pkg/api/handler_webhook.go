package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/replyloop/replyloop/pkg/faults"
	"github.com/replyloop/replyloop/pkg/idempotency"
	"github.com/replyloop/replyloop/pkg/pipeline"
	"github.com/replyloop/replyloop/pkg/platform"
	"github.com/replyloop/replyloop/pkg/queue"
)

// verifyHandshake answers Meta's subscription challenge.
func (s *Server) verifyHandshake(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" {
		s.logger.Warn("Webhook handshake with unexpected mode", "mode", mode)
		c.String(http.StatusBadRequest, "unexpected hub.mode")
		return
	}
	if token != s.cfg.IGVerifyToken {
		s.logger.Warn("Webhook handshake rejected")
		c.String(http.StatusForbidden, "verification failed")
		return
	}
	c.String(http.StatusOK, challenge)
}

// ingestMeta admits a Meta webhook batch: signature first, then parse,
// then per-interaction dedupe, tenant resolution, and a pipeline job.
//
// Per-interaction failures never fail the batch: Meta retries the whole
// envelope, and a 4xx/5xx here would re-deliver interactions we already
// admitted.
func (s *Server) ingestMeta(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := s.verifier.Verify(body, c.GetHeader("X-Hub-Signature-256")); err != nil {
		s.metrics.SignatureRejects.Inc()
		respondError(c, err)
		return
	}

	interactions, err := platform.ParseMeta(body)
	if err != nil {
		respondError(c, faults.New(faults.KindValidation, faults.CodeMalformedPayload, err))
		return
	}

	s.admit(c, body, interactions)
}

// ingestManyChat admits ManyChat's inbound webhook. ManyChat signs with a
// shared secret header rather than an HMAC envelope.
func (s *Server) ingestManyChat(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		respondError(c, err)
		return
	}

	if s.cfg.ManyChat.WebhookSecret == "" ||
		c.GetHeader("X-ManyChat-Secret") != s.cfg.ManyChat.WebhookSecret {
		s.metrics.SignatureRejects.Inc()
		respondError(c, faults.Newf(faults.KindAuth, faults.CodeInvalidSignature,
			"manychat webhook secret mismatch"))
		return
	}

	interactions, err := platform.ParseManyChat(body)
	if err != nil {
		respondError(c, faults.New(faults.KindValidation, faults.CodeMalformedPayload, err))
		return
	}

	s.admit(c, body, interactions)
}

func (s *Server) admit(c *gin.Context, body []byte, interactions []platform.Interaction) {
	ctx := c.Request.Context()
	digest := bodyDigest(body)

	accepted, duplicates, rejected := 0, 0, 0
	for _, in := range interactions {
		eventID := admissionKey(in)

		outcome, err := s.idem.Claim(ctx, eventID)
		if err != nil {
			respondError(c, err)
			return
		}
		if outcome == idempotency.OutcomeDuplicate {
			duplicates++
			s.metrics.EventsAdmitted.WithLabelValues(string(in.Platform), "duplicate").Inc()
			continue
		}

		tenantID, err := s.resolver.Resolve(ctx, in.AccountID)
		if err != nil {
			if faults.IsKind(err, faults.KindTenant) {
				rejected++
				s.metrics.EventsAdmitted.WithLabelValues(string(in.Platform), "rejected").Inc()
				s.logger.Warn("Interaction for unroutable account dropped",
					"account_id", in.AccountID, "error_code", faults.CodeOf(err))
				_ = s.idem.MarkProcessed(ctx, eventID, "rejected")
				continue
			}
			s.releaseClaim(eventID)
			respondError(c, err)
			return
		}

		if err := s.recordEvent(ctx, eventID, in.Platform, digest); err != nil {
			s.releaseClaim(eventID)
			respondError(c, err)
			return
		}
		if _, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
			TenantID: tenantID,
			Type:     queue.TypeProcessWebhook,
			Priority: queue.PriorityCritical,
			Payload: pipeline.ProcessWebhookPayload{
				EventID:     eventID,
				TenantID:    tenantID,
				Interaction: in,
			},
		}); err != nil {
			s.releaseClaim(eventID)
			respondError(c, err)
			return
		}

		accepted++
		s.metrics.EventsAdmitted.WithLabelValues(string(in.Platform), "accepted").Inc()
		_ = s.idem.MarkProcessed(ctx, eventID, "accepted")
	}

	s.logger.Info("Webhook batch admitted",
		"accepted", accepted, "duplicates", duplicates, "rejected", rejected)

	// Platforms only care about the 2xx; the body is the conventional ack.
	c.String(http.StatusOK, "EVENT_RECEIVED")
}

// releaseClaim frees the idempotency claim when admission fails midway, so
// the platform's retry of the same event is admitted instead of eaten as a
// duplicate.
func (s *Server) releaseClaim(eventID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.idem.Release(ctx, eventID); err != nil {
		s.logger.Error("Failed to release admission claim", "event_id", eventID, "error", err)
	}
}

func (s *Server) recordEvent(ctx context.Context, eventID string, pf platform.Platform, digest string) error {
	return s.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO webhook_events (event_id, platform, status, raw_body_digest, expires_at)
			VALUES ($1, $2, 'accepted', $3, now() + interval '72 hours')
			ON CONFLICT (event_id) DO NOTHING`, eventID, pf, digest)
		return err
	})
}

// admissionKey is the dedupe key: platform-scoped message id.
func admissionKey(in platform.Interaction) string {
	return fmt.Sprintf("%s:%s", in.Platform, in.PlatformMessageID)
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

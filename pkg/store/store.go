package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/pkg/platform"
)

// ErrStaleStage is returned when a stage update would move backwards.
var ErrStaleStage = errors.New("stage transition would move backwards")

// Store is the conversation persistence layer.
type Store struct {
	db     *database.Client
	logger *slog.Logger
}

// New creates the store.
func New(db *database.Client) *Store {
	if db == nil {
		panic("store.New: db must not be nil")
	}
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
}

// FindOrCreateConversation returns the open conversation for the customer,
// creating one at the greeting stage when none exists. The partial unique
// index on open conversations makes concurrent creates collapse to one row.
func (s *Store) FindOrCreateConversation(ctx context.Context, tenantID uuid.UUID, pf platform.Platform, customerRef string) (*Conversation, error) {
	var conv Conversation
	err := s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO conversations (id, tenant_id, platform, customer_ref)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, platform, customer_ref) WHERE stage <> 'resolved'
			DO UPDATE SET updated_at = now()
			RETURNING id, tenant_id, platform, customer_ref, stage,
			          last_customer_message_at, last_outbound_at, created_at`,
			uuid.New(), tenantID, pf, customerRef)
		return scanConversation(row, &conv)
	})
	if err != nil {
		return nil, fmt.Errorf("find-or-create conversation: %w", err)
	}
	return &conv, nil
}

// Conversation loads one conversation by id.
func (s *Store) Conversation(ctx context.Context, tenantID, conversationID uuid.UUID) (*Conversation, error) {
	var conv Conversation
	err := s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, tenant_id, platform, customer_ref, stage,
			       last_customer_message_at, last_outbound_at, created_at
			FROM conversations WHERE id = $1`, conversationID)
		return scanConversation(row, &conv)
	})
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

// AppendInbound stores an inbound message, advances the conversation's
// last-customer-message timestamp, and refreshes the reply-window state, all
// in one transaction. A replayed platform message id is a no-op and returns
// created=false.
func (s *Store) AppendInbound(ctx context.Context, tenantID uuid.UUID, msg *Message) (bool, error) {
	created := false
	err := s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, tenant_id, platform, direction,
			                      platform_message_id, content, type)
			VALUES ($1, $2, $3, $4, 'inbound', $5, $6, $7)
			ON CONFLICT (platform, platform_message_id) DO NOTHING`,
			uuid.New(), msg.ConversationID, tenantID, msg.Platform,
			msg.PlatformMessageID, msg.Content, msg.Type)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true

		if _, err := tx.Exec(ctx, `
			UPDATE conversations
			SET last_customer_message_at = now(), updated_at = now()
			WHERE id = $1`, msg.ConversationID); err != nil {
			return fmt.Errorf("advancing conversation: %w", err)
		}

		var customerRef string
		if err := tx.QueryRow(ctx,
			`SELECT customer_ref FROM conversations WHERE id = $1`,
			msg.ConversationID).Scan(&customerRef); err != nil {
			return fmt.Errorf("reading customer ref: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO window_states (tenant_id, platform, customer_ref, last_inbound_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (tenant_id, platform, customer_ref)
			DO UPDATE SET last_inbound_at = GREATEST(window_states.last_inbound_at, now())`,
			tenantID, msg.Platform, customerRef); err != nil {
			return fmt.Errorf("refreshing window state: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// AppendOutbound stores a delivered outbound message and stamps the
// conversation's last-outbound timestamp.
func (s *Store) AppendOutbound(ctx context.Context, tenantID uuid.UUID, msg *Message) error {
	return s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, tenant_id, platform, direction,
			                      platform_message_id, content, type,
			                      ai_confidence, ai_intent, processing_time_ms)
			VALUES ($1, $2, $3, $4, 'outbound', $5, $6, $7, $8, $9, $10)
			ON CONFLICT (platform, platform_message_id) DO NOTHING`,
			uuid.New(), msg.ConversationID, tenantID, msg.Platform,
			msg.PlatformMessageID, msg.Content, msg.Type,
			msg.AIConfidence, msg.AIIntent, msg.ProcessingTimeMS); err != nil {
			return fmt.Errorf("inserting outbound message: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE conversations SET last_outbound_at = now(), updated_at = now()
			WHERE id = $1`, msg.ConversationID); err != nil {
			return fmt.Errorf("stamping outbound time: %w", err)
		}
		return nil
	})
}

// RecentMessages returns the newest n messages of a conversation in
// chronological order, for prompt assembly.
func (s *Store) RecentMessages(ctx context.Context, tenantID, conversationID uuid.UUID, n int) ([]Message, error) {
	var msgs []Message
	err := s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, conversation_id, direction, platform_message_id, content, type, created_at
			FROM (
				SELECT id, conversation_id, direction, platform_message_id, content, type, created_at
				FROM messages WHERE conversation_id = $1
				ORDER BY created_at DESC LIMIT $2
			) recent
			ORDER BY created_at ASC`, conversationID, n)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction,
				&m.PlatformMessageID, &m.Content, &m.Type, &m.CreatedAt); err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("loading recent messages: %w", err)
	}
	return msgs, nil
}

// UpdateStage advances the conversation stage. Ordinary stages only move
// forward; support and resolved are reachable from anywhere. A backwards
// transition returns ErrStaleStage so a delayed worker cannot regress a
// conversation another worker already advanced.
func (s *Store) UpdateStage(ctx context.Context, tenantID, conversationID uuid.UUID, next Stage) error {
	return s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		var current Stage
		if err := tx.QueryRow(ctx,
			`SELECT stage FROM conversations WHERE id = $1 FOR UPDATE`,
			conversationID).Scan(&current); err != nil {
			return fmt.Errorf("locking conversation: %w", err)
		}
		if !stageAllowed(current, next) {
			return fmt.Errorf("%s -> %s: %w", current, next, ErrStaleStage)
		}
		if current == next {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET stage = $1, updated_at = now() WHERE id = $2`,
			next, conversationID); err != nil {
			return fmt.Errorf("updating stage: %w", err)
		}
		return nil
	})
}

func stageAllowed(current, next Stage) bool {
	if next == StageSupport || next == StageResolved || current == next {
		return true
	}
	if current == StageSupport || current == StageResolved {
		return false
	}
	return stageRank[next] >= stageRank[current]
}

// CreateCandidate records an AI-drafted reply. A duplicate idempotency key
// returns the existing candidate with created=false.
func (s *Store) CreateCandidate(ctx context.Context, tenantID uuid.UUID, c *OutboundCandidate) (*OutboundCandidate, bool, error) {
	created := false
	var out OutboundCandidate
	err := s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO outbound_candidates
			    (id, tenant_id, conversation_id, content, intent, confidence, tags, status, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (idempotency_key) DO NOTHING
			RETURNING id`, uuid.New(), tenantID, c.ConversationID, c.Content,
			c.Intent, c.Confidence, c.Tags, CandidatePending, c.IdempotencyKey)
		var id uuid.UUID
		switch err := row.Scan(&id); {
		case err == nil:
			created = true
		case errors.Is(err, pgx.ErrNoRows):
			// Existing candidate wins.
		default:
			return fmt.Errorf("inserting candidate: %w", err)
		}

		r := tx.QueryRow(ctx, `
			SELECT id, tenant_id, conversation_id, content, COALESCE(intent, ''),
			       COALESCE(confidence, 0), tags, status, idempotency_key,
			       upstream_message_id, created_at
			FROM outbound_candidates WHERE idempotency_key = $1`, c.IdempotencyKey)
		return r.Scan(&out.ID, &out.TenantID, &out.ConversationID, &out.Content,
			&out.Intent, &out.Confidence, &out.Tags, &out.Status,
			&out.IdempotencyKey, &out.UpstreamMessageID, &out.CreatedAt)
	})
	if err != nil {
		return nil, false, fmt.Errorf("creating candidate: %w", err)
	}
	return &out, created, nil
}

// Candidate loads one outbound candidate.
func (s *Store) Candidate(ctx context.Context, tenantID, candidateID uuid.UUID) (*OutboundCandidate, error) {
	var out OutboundCandidate
	err := s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, tenant_id, conversation_id, content, COALESCE(intent, ''),
			       COALESCE(confidence, 0), tags, status, idempotency_key,
			       upstream_message_id, created_at
			FROM outbound_candidates WHERE id = $1`, candidateID)
		return row.Scan(&out.ID, &out.TenantID, &out.ConversationID, &out.Content,
			&out.Intent, &out.Confidence, &out.Tags, &out.Status,
			&out.IdempotencyKey, &out.UpstreamMessageID, &out.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("loading candidate %s: %w", candidateID, err)
	}
	return &out, nil
}

// MarkCandidate moves a candidate to a terminal or sent state, recording the
// upstream message id when one exists. Sent candidates stay sent: delivery
// retries that land after a success must not flip the state back.
func (s *Store) MarkCandidate(ctx context.Context, tenantID, candidateID uuid.UUID, status CandidateStatus, upstreamMessageID string) error {
	return s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE outbound_candidates
			SET status = $1,
			    upstream_message_id = COALESCE(NULLIF($2, ''), upstream_message_id),
			    updated_at = now()
			WHERE id = $3 AND status <> 'sent'`,
			status, upstreamMessageID, candidateID)
		if err != nil {
			return fmt.Errorf("marking candidate %s: %w", candidateID, err)
		}
		return nil
	})
}

// RecordDelivery appends one delivery attempt to the log.
func (s *Store) RecordDelivery(ctx context.Context, tenantID uuid.UUID, log *DeliveryLog) error {
	return s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO delivery_logs
			    (id, job_id, conversation_id, tenant_id, channel, outcome,
			     upstream_message_id, attempt_number, latency_ms, error_class)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, NULLIF($10, ''))`,
			uuid.New(), log.JobID, log.ConversationID, tenantID, log.Channel,
			log.Outcome, log.UpstreamMessageID, log.AttemptNumber, log.LatencyMS,
			log.ErrorClass)
		if err != nil {
			return fmt.Errorf("recording delivery: %w", err)
		}
		return nil
	})
}

// DeliveryHistory lists a conversation's delivery attempts, newest first.
func (s *Store) DeliveryHistory(ctx context.Context, tenantID, conversationID uuid.UUID, limit int) ([]DeliveryLog, error) {
	var logs []DeliveryLog
	err := s.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, job_id, conversation_id, channel, outcome,
			       COALESCE(upstream_message_id, ''), attempt_number,
			       COALESCE(latency_ms, 0), COALESCE(error_class, '')
			FROM delivery_logs
			WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2`, conversationID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l DeliveryLog
			if err := rows.Scan(&l.ID, &l.JobID, &l.ConversationID, &l.Channel,
				&l.Outcome, &l.UpstreamMessageID, &l.AttemptNumber,
				&l.LatencyMS, &l.ErrorClass); err != nil {
				return err
			}
			logs = append(logs, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("loading delivery history: %w", err)
	}
	return logs, nil
}

func scanConversation(row pgx.Row, conv *Conversation) error {
	return row.Scan(&conv.ID, &conv.TenantID, &conv.Platform, &conv.CustomerRef,
		&conv.Stage, &conv.LastCustomerMessageAt, &conv.LastOutboundAt,
		&conv.CreatedAt)
}

// touchedWithin reports whether t is within d of now, boundary inclusive.
// Shared by the window tracker.
func touchedWithin(t time.Time, d time.Duration, now time.Time) bool {
	return now.Sub(t) <= d
}

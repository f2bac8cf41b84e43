package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/pkg/platform"
)

// WindowState classifies the platform reply window for a customer.
type WindowState string

const (
	// WindowOpen: the last inbound is within the platform window.
	WindowOpen WindowState = "open"
	// WindowClosing: past the window but inside the clock-skew grace band.
	// Free-form replies are still allowed here.
	WindowClosing WindowState = "closing"
	// WindowClosed: only pre-approved templates may be sent.
	WindowClosed WindowState = "closed"
)

// AllowsFreeForm reports whether a free-form reply may be sent.
func (s WindowState) AllowsFreeForm() bool { return s != WindowClosed }

// WindowTracker answers "may we still free-form reply to this customer".
//
// The tracked last-inbound timestamp is authoritative; when the row is
// missing (pre-tracker conversations, manual cleanup) the tracker falls
// back to the newest inbound message and backfills the row.
type WindowTracker struct {
	db        *database.Client
	window    time.Duration
	grace     time.Duration
	fallbacks prometheus.Counter
	logger    *slog.Logger

	now func() time.Time
}

// NewWindowTracker creates the tracker. fallbacks may be nil.
func NewWindowTracker(db *database.Client, window, grace time.Duration, fallbacks prometheus.Counter) *WindowTracker {
	if db == nil {
		panic("NewWindowTracker: db must not be nil")
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &WindowTracker{
		db:        db,
		window:    window,
		grace:     grace,
		fallbacks: fallbacks,
		logger:    slog.Default().With("component", "window-tracker"),
		now:       time.Now,
	}
}

// Check returns the window state for the customer. A customer with no
// inbound history at all has a closed window.
func (w *WindowTracker) Check(ctx context.Context, tenantID uuid.UUID, pf platform.Platform, customerRef string) (WindowState, error) {
	var lastInbound time.Time
	found := false
	err := w.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT last_inbound_at FROM window_states
			WHERE tenant_id = $1 AND platform = $2 AND customer_ref = $3`,
			tenantID, pf, customerRef).Scan(&lastInbound)
		if err == nil {
			found = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("reading window state: %w", err)
		}

		// Fall back to the message log and backfill the tracker row.
		err = tx.QueryRow(ctx, `
			SELECT m.created_at
			FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			WHERE c.tenant_id = $1 AND c.platform = $2 AND c.customer_ref = $3
			  AND m.direction = 'inbound'
			ORDER BY m.created_at DESC LIMIT 1`,
			tenantID, pf, customerRef).Scan(&lastInbound)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("window fallback query: %w", err)
		}
		found = true
		if w.fallbacks != nil {
			w.fallbacks.Inc()
		}
		w.logger.Warn("Window state missing, backfilled from message log",
			"tenant_id", tenantID, "platform", pf)
		_, err = tx.Exec(ctx, `
			INSERT INTO window_states (tenant_id, platform, customer_ref, last_inbound_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, platform, customer_ref)
			DO UPDATE SET last_inbound_at = GREATEST(window_states.last_inbound_at, EXCLUDED.last_inbound_at)`,
			tenantID, pf, customerRef, lastInbound)
		return err
	})
	if err != nil {
		return WindowClosed, err
	}
	if !found {
		return WindowClosed, nil
	}
	return w.classify(lastInbound), nil
}

// classify maps the last inbound timestamp to a window state. The grace
// band extends the window, absorbing clock skew between us and the
// platform: exactly at the window boundary is still open, and free-form
// stays allowed until window+grace has fully elapsed.
func (w *WindowTracker) classify(lastInbound time.Time) WindowState {
	now := w.now()
	if touchedWithin(lastInbound, w.window, now) {
		return WindowOpen
	}
	if touchedWithin(lastInbound, w.window+w.grace, now) {
		return WindowClosing
	}
	return WindowClosed
}

// Package tenant resolves platform account ids to tenants and serves
// per-tenant configuration.
//
// Resolution happens before any tenant context exists, so the lookup runs
// with the admin bypass; everything downstream of a successful resolution
// is bound to the resolved tenant id.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/pkg/faults"
)

// Cache TTLs. The short negative TTL resists account-id enumeration while
// still absorbing webhook retries for unregistered accounts.
const (
	positiveTTL = 60 * time.Second
	negativeTTL = 10 * time.Second
)

type cacheEntry struct {
	tenantID  uuid.UUID
	status    string
	negative  bool
	expiresAt time.Time
}

// Resolver maps platform account ids to tenant ids.
type Resolver struct {
	db     *database.Client
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	now func() time.Time
}

// NewResolver creates a resolver backed by the shared database client.
func NewResolver(db *database.Client) *Resolver {
	if db == nil {
		panic("NewResolver: db must not be nil")
	}
	return &Resolver{
		db:     db,
		logger: slog.Default().With("component", "tenant-resolver"),
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Resolve returns the tenant owning the given platform account id.
// Unknown accounts fail with UNKNOWN_TENANT; suspended tenants with
// TENANT_SUSPENDED. Both outcomes are cached.
func (r *Resolver) Resolve(ctx context.Context, accountID string) (uuid.UUID, error) {
	if entry, ok := r.cached(accountID); ok {
		return r.fromEntry(accountID, entry)
	}

	var entry cacheEntry
	err := r.db.WithAdmin(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT t.id, t.status
			FROM credentials c
			JOIN tenants t ON t.id = c.tenant_id
			WHERE c.platform_account_id = $1 AND c.active
			LIMIT 1`, accountID)
		if err := row.Scan(&entry.tenantID, &entry.status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				entry.negative = true
				return nil
			}
			return fmt.Errorf("resolving account %s: %w", accountID, err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	ttl := positiveTTL
	if entry.negative {
		ttl = negativeTTL
	}
	entry.expiresAt = r.now().Add(ttl)

	r.mu.Lock()
	r.cache[accountID] = entry
	r.mu.Unlock()

	return r.fromEntry(accountID, entry)
}

// Invalidate drops the cache entry for an account, e.g. after credential
// rotation or tenant suspension.
func (r *Resolver) Invalidate(accountID string) {
	r.mu.Lock()
	delete(r.cache, accountID)
	r.mu.Unlock()
}

func (r *Resolver) cached(accountID string) (cacheEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[accountID]
	if !ok || r.now().After(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (r *Resolver) fromEntry(accountID string, entry cacheEntry) (uuid.UUID, error) {
	if entry.negative {
		return uuid.Nil, faults.Newf(faults.KindTenant, faults.CodeUnknownTenant,
			"no tenant for account %s", accountID)
	}
	if entry.status == "suspended" {
		return uuid.Nil, faults.Newf(faults.KindTenant, faults.CodeTenantSuspended,
			"tenant %s is suspended", entry.tenantID)
	}
	return entry.tenantID, nil
}

// Package database provides the PostgreSQL client, migration runner, and
// tenant-scoped transaction helpers.
//
// Tenant isolation is enforced by row-level security policies created in
// the migrations. Every tenant-scoped statement runs inside a transaction
// whose `app.tenant_id` setting was bound with set_config(..., true):
// transaction-local, so the context is cleared on every exit path —
// commit, rollback, or panic — before the connection returns to the pool.
package database

import (
	"context"
	stdsql "database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the migration runner
)

// Client wraps the pgx connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// New opens the connection pool and applies pending migrations.
func New(ctx context.Context, databaseURL string) (*Client, error) {
	// Migrations run over a short-lived database/sql connection; golang-migrate
	// manages locking so concurrent replicas apply them exactly once.
	mdb, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening migration connection: %w", err)
	}
	if err := runMigrations(mdb); err != nil {
		_ = mdb.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := mdb.Close(); err != nil {
		return nil, fmt.Errorf("closing migration connection: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Client{pool: pool}, nil
}

// NewFromPool wraps an existing pool (useful for tests).
func NewFromPool(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

// Pool exposes the underlying pool for components that manage their own
// connection lifetimes (advisory locks, LISTEN).
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// Close releases all pooled connections.
func (c *Client) Close() { c.pool.Close() }

// Health pings the database.
func (c *Client) Health(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// WithTenant runs fn inside a transaction bound to tenantID. Rows of other
// tenants are invisible to every statement fn issues.
func (c *Client) WithTenant(ctx context.Context, tenantID uuid.UUID, fn func(pgx.Tx) error) error {
	return c.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID.String()); err != nil {
			return fmt.Errorf("binding tenant context: %w", err)
		}
		return fn(tx)
	})
}

// WithAdmin runs fn inside a transaction with the row policy's admin bypass.
// Only the queue runner, the dead-letter operator surface, and cleanup use
// this; request paths always go through WithTenant.
func (c *Client) WithAdmin(ctx context.Context, fn func(pgx.Tx) error) error {
	return c.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config('app.admin_mode', 'on', true)"); err != nil {
			return fmt.Errorf("binding admin context: %w", err)
		}
		return fn(tx)
	})
}

func (c *Client) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

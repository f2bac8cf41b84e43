// Package database provides the integration-test database harness: a
// per-test schema migrated through the production migration runner, with
// clients connected as a non-superuser role so row-level security is
// actually enforced.
package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/test/util"
)

// TestDB holds the per-test schema and its clients.
type TestDB struct {
	// App is connected as the non-superuser role; row policies apply.
	App *database.Client
	// Admin is connected as the schema owner, for fixtures and assertions
	// that must see raw rows.
	Admin *database.Client
}

// NewTestDB creates an isolated schema, runs migrations, grants the app
// role, and returns clients for both roles. Everything is dropped and
// closed via t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	baseConnStr := util.GetBaseConnectionString(t)
	util.EnsureAppRole(t, baseConnStr)
	schemaName := util.GenerateSchemaName(t)

	// Create the schema.
	db, err := stdsql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	t.Logf("Created test schema: %s", schemaName)
	_ = db.Close()

	// The production constructor runs migrations into the schema.
	adminConnStr := util.AddSearchPathToConnString(baseConnStr, schemaName)
	admin, err := database.New(ctx, adminConnStr)
	require.NoError(t, err)

	// The app role needs explicit grants; RLS does the row filtering.
	err = admin.WithAdmin(ctx, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			fmt.Sprintf("GRANT USAGE ON SCHEMA %s TO %s", schemaName, util.AppRole),
			fmt.Sprintf("GRANT ALL ON ALL TABLES IN SCHEMA %s TO %s", schemaName, util.AppRole),
			fmt.Sprintf("GRANT ALL ON ALL SEQUENCES IN SCHEMA %s TO %s", schemaName, util.AppRole),
		} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	appConnStr := util.WithCredentials(t, adminConnStr, util.AppRole, util.AppRole)
	app, err := database.New(ctx, appConnStr)
	require.NoError(t, err)

	t.Cleanup(func() {
		app.Close()
		admin.Close()
		cleanDB, err := stdsql.Open("pgx", baseConnStr)
		if err != nil {
			t.Logf("Warning: could not connect to drop schema %s: %v", schemaName, err)
			return
		}
		defer func() { _ = cleanDB.Close() }()
		_, err = cleanDB.ExecContext(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
	})

	return &TestDB{App: app, Admin: admin}
}

// SeedTenant inserts an active tenant and returns its id.
func (d *TestDB) SeedTenant(t *testing.T, displayName string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := d.Admin.WithAdmin(context.Background(), func(tx pgx.Tx) error {
		_, err := tx.Exec(context.Background(), `
			INSERT INTO tenants (id, display_name, status, settings)
			VALUES ($1, $2, 'active', '{}')`, id, displayName)
		return err
	})
	require.NoError(t, err)
	return id
}

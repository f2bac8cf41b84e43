package database

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyloop/replyloop/pkg/credentials"
	"github.com/replyloop/replyloop/pkg/platform"
)

func testVaultKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestVaultRoundTrip(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")

	vault, err := credentials.NewVault(db.App, testVaultKey())
	require.NoError(t, err)

	require.NoError(t, vault.Store(ctx, tenantID, platform.Instagram, "ig-123", "token-one"))

	t.Run("token decrypts back", func(t *testing.T) {
		token, err := vault.AccessToken(ctx, tenantID, platform.Instagram)
		require.NoError(t, err)
		assert.Equal(t, "token-one", token)
	})

	t.Run("account id resolves", func(t *testing.T) {
		accountID, err := vault.AccountID(ctx, tenantID, platform.Instagram)
		require.NoError(t, err)
		assert.Equal(t, "ig-123", accountID)
	})

	t.Run("ciphertext at rest is not the token", func(t *testing.T) {
		var sealed []byte
		err := db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, `
				SELECT token_ciphertext FROM credentials
				WHERE tenant_id = $1`, tenantID).Scan(&sealed)
		})
		require.NoError(t, err)
		assert.NotContains(t, string(sealed), "token-one")
	})

	t.Run("rotate replaces the token", func(t *testing.T) {
		require.NoError(t, vault.Rotate(ctx, tenantID, platform.Instagram, "token-two", time.Now()))
		token, err := vault.AccessToken(ctx, tenantID, platform.Instagram)
		require.NoError(t, err)
		assert.Equal(t, "token-two", token)
	})

	t.Run("deactivate hides the credential", func(t *testing.T) {
		require.NoError(t, vault.Deactivate(ctx, tenantID, platform.Instagram, "ig-123"))
		_, err := vault.AccessToken(ctx, tenantID, platform.Instagram)
		assert.ErrorIs(t, err, credentials.ErrNotFound)
	})
}

func TestVaultTenantScoping(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantA := db.SeedTenant(t, "tenant-a")
	tenantB := db.SeedTenant(t, "tenant-b")

	vault, err := credentials.NewVault(db.App, testVaultKey())
	require.NoError(t, err)

	require.NoError(t, vault.Store(ctx, tenantA, platform.Instagram, "ig-a", "token-a"))

	// Tenant B's scope cannot see tenant A's credential even for the same
	// platform.
	_, err = vault.AccessToken(ctx, tenantB, platform.Instagram)
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestVaultRejectsTamperedCiphertext(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	tenantID := db.SeedTenant(t, "acme")

	vault, err := credentials.NewVault(db.App, testVaultKey())
	require.NoError(t, err)
	require.NoError(t, vault.Store(ctx, tenantID, platform.Instagram, "ig-123", "token-one"))

	// Flip one ciphertext byte at rest; GCM must refuse to open it.
	err = db.Admin.WithAdmin(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE credentials
			SET token_ciphertext = set_byte(token_ciphertext, 19, get_byte(token_ciphertext, 19) # 255)
			WHERE tenant_id = $1`, tenantID)
		return err
	})
	require.NoError(t, err)

	_, err = vault.AccessToken(ctx, tenantID, platform.Instagram)
	require.Error(t, err)
}

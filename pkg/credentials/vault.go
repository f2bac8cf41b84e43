// Package credentials stores platform access tokens encrypted at rest.
//
// Tokens are sealed with AES-256-GCM (96-bit nonce, 128-bit tag); the
// wrapping key is process-scoped, loaded from configuration at startup.
// Cleartext tokens never leave this package except to the two upstream
// adapters that spend them.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/replyloop/replyloop/pkg/database"
	"github.com/replyloop/replyloop/pkg/platform"
)

// ErrNotFound is returned when a tenant has no active credential for the
// requested platform.
var ErrNotFound = errors.New("credential not found")

// Vault manages encrypted credential storage.
type Vault struct {
	db   *database.Client
	aead cipher.AEAD
}

// NewVault creates a vault. key must be exactly 32 bytes (AES-256).
func NewVault(db *database.Client, key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Vault{db: db, aead: aead}, nil
}

// Seal encrypts a token. The random nonce is prepended to the ciphertext.
func (v *Vault) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a sealed token. Any tampering of nonce, ciphertext, or tag
// fails cleanly.
func (v *Vault) Open(blob []byte) (string, error) {
	if len(blob) < v.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ct := blob[:v.aead.NonceSize()], blob[v.aead.NonceSize():]
	pt, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting credential: %w", err)
	}
	return string(pt), nil
}

// Store upserts a credential for (tenant, platform, account). The previous
// token for the same platform account is replaced.
func (v *Vault) Store(ctx context.Context, tenantID uuid.UUID, pf platform.Platform, accountID, token string) error {
	sealed, err := v.Seal(token)
	if err != nil {
		return err
	}
	return v.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO credentials (id, tenant_id, platform, platform_account_id, token_ciphertext, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, now())
			ON CONFLICT (platform, platform_account_id)
			DO UPDATE SET token_ciphertext = EXCLUDED.token_ciphertext,
			              active = TRUE,
			              updated_at = now()`,
			uuid.New(), tenantID, pf, accountID, sealed)
		if err != nil {
			return fmt.Errorf("storing credential: %w", err)
		}
		return nil
	})
}

// AccessToken returns the cleartext token for the tenant's active platform
// credential. Callers are the Graph and ManyChat adapters only.
func (v *Vault) AccessToken(ctx context.Context, tenantID uuid.UUID, pf platform.Platform) (string, error) {
	var sealed []byte
	err := v.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT token_ciphertext FROM credentials
			WHERE tenant_id = $1 AND platform = $2 AND active
			ORDER BY updated_at DESC
			LIMIT 1`, tenantID, pf)
		if err := row.Scan(&sealed); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("loading credential: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return v.Open(sealed)
}

// AccountID returns the platform account id of the tenant's active
// credential, e.g. the Instagram business account the Graph adapter posts
// under.
func (v *Vault) AccountID(ctx context.Context, tenantID uuid.UUID, pf platform.Platform) (string, error) {
	var accountID string
	err := v.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT platform_account_id FROM credentials
			WHERE tenant_id = $1 AND platform = $2 AND active
			ORDER BY updated_at DESC
			LIMIT 1`, tenantID, pf)
		if err := row.Scan(&accountID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("loading credential account: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return accountID, nil
}

// Rotate replaces the token for the tenant's active platform credential,
// recording refresh metadata. Used by the Graph adapter's token refresh.
func (v *Vault) Rotate(ctx context.Context, tenantID uuid.UUID, pf platform.Platform, token string, refreshedAt time.Time) error {
	sealed, err := v.Seal(token)
	if err != nil {
		return err
	}
	return v.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE credentials
			SET token_ciphertext = $3,
			    refresh_metadata = jsonb_set(refresh_metadata, '{last_refreshed_at}', to_jsonb($4::text)),
			    updated_at = now()
			WHERE tenant_id = $1 AND platform = $2 AND active`,
			tenantID, pf, sealed, refreshedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("rotating credential: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Deactivate marks a credential inactive without deleting history.
func (v *Vault) Deactivate(ctx context.Context, tenantID uuid.UUID, pf platform.Platform, accountID string) error {
	return v.db.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE credentials SET active = FALSE, updated_at = now()
			WHERE tenant_id = $1 AND platform = $2 AND platform_account_id = $3`,
			tenantID, pf, accountID)
		if err != nil {
			return fmt.Errorf("deactivating credential: %w", err)
		}
		return nil
	})
}

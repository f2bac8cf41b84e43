package credentials

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	v, err := NewVault(nil, key)
	require.NoError(t, err)
	return v
}

func TestNewVault(t *testing.T) {
	t.Run("rejects short key", func(t *testing.T) {
		_, err := NewVault(nil, []byte("short"))
		require.Error(t, err)
	})

	t.Run("accepts 32-byte key", func(t *testing.T) {
		_, err := NewVault(nil, bytes.Repeat([]byte{1}, 32))
		require.NoError(t, err)
	})
}

func TestSealOpen(t *testing.T) {
	v := newTestVault(t)

	t.Run("round trip", func(t *testing.T) {
		for _, token := range []string{"IGQVJ...", "", strings.Repeat("x", 4096), "токен-世界"} {
			sealed, err := v.Seal(token)
			require.NoError(t, err)
			got, err := v.Open(sealed)
			require.NoError(t, err)
			assert.Equal(t, token, got)
		}
	})

	t.Run("nonce makes ciphertexts distinct", func(t *testing.T) {
		a, err := v.Seal("same-token")
		require.NoError(t, err)
		b, err := v.Seal("same-token")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("any tampered byte fails cleanly", func(t *testing.T) {
		sealed, err := v.Seal("secret-token")
		require.NoError(t, err)

		for i := range sealed {
			tampered := append([]byte(nil), sealed...)
			tampered[i] ^= 0x01
			_, err := v.Open(tampered)
			assert.Error(t, err, "flipping byte %d must fail decryption", i)
		}
	})

	t.Run("truncated blob fails", func(t *testing.T) {
		_, err := v.Open([]byte{1, 2, 3})
		require.Error(t, err)
	})

	t.Run("wrong key fails", func(t *testing.T) {
		other, err := NewVault(nil, bytes.Repeat([]byte{0x43}, 32))
		require.NoError(t, err)

		sealed, err := v.Seal("secret")
		require.NoError(t, err)
		_, err = other.Open(sealed)
		require.Error(t, err)
	})
}

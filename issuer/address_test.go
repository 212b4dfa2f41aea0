package issuer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	require.NoError(t, ValidateAddress(testAddress(4)))
	require.NoError(t, ValidateAddress("  "+testAddress(4)+" "))
	require.ErrorIs(t, ValidateAddress(""), ErrInvalidAddress)
	require.ErrorIs(t, ValidateAddress("0x1234"), ErrInvalidAddress)
	require.ErrorIs(t, ValidateAddress(base58.Encode(make([]byte, 20))), ErrInvalidAddress)
}

func writeKeypair(t *testing.T, values []int) string {
	t.Helper()
	raw, err := json.Marshal(values)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "vault.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestLoadVaultKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	values := make([]int, len(priv))
	for i, b := range priv {
		values[i] = int(b)
	}

	key, err := LoadVaultKey(writeKeypair(t, values))
	require.NoError(t, err)
	require.Equal(t, base58.Encode(pub), key.Address())

	msg := []byte("hello")
	require.True(t, VerifySignature(key.Address(), msg, key.Sign(msg)))
	require.False(t, VerifySignature(key.Address(), []byte("other"), key.Sign(msg)))
}

func TestLoadVaultKeyRejectsMalformedFiles(t *testing.T) {
	_, err := LoadVaultKey(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	_, err = LoadVaultKey(writeKeypair(t, make([]int, 32)))
	require.ErrorContains(t, err, "must hold 64 bytes")

	outOfRange := make([]int, 64)
	outOfRange[3] = 300
	_, err = LoadVaultKey(writeKeypair(t, outOfRange))
	require.ErrorContains(t, err, "out of range")

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	values := make([]int, len(priv))
	for i, b := range priv {
		values[i] = int(b)
	}
	values[63] ^= 0xff
	_, err = LoadVaultKey(writeKeypair(t, values))
	require.ErrorContains(t, err, "does not match")
}

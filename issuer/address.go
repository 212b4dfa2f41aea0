package issuer

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

const addressLen = 32

var ErrInvalidAddress = errors.New("invalid wallet address")

// ValidateAddress checks that addr is a base58 encoded 32-byte public key.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	decoded := base58.Decode(addr)
	if len(decoded) != addressLen {
		return fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidAddress, addr, len(decoded))
	}
	return nil
}

// VaultKey is the signing key of the funding vault.
type VaultKey struct {
	priv ed25519.PrivateKey
}

// NewVaultKey wraps an existing ed25519 private key.
func NewVaultKey(priv ed25519.PrivateKey) (VaultKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return VaultKey{}, fmt.Errorf("vault key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return VaultKey{priv: priv}, nil
}

// LoadVaultKey reads a keypair file holding a JSON array of 64 byte values
// (32-byte seed followed by the 32-byte public key).
func LoadVaultKey(path string) (VaultKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return VaultKey{}, fmt.Errorf("read vault keypair: %w", err)
	}
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return VaultKey{}, fmt.Errorf("decode vault keypair: %w", err)
	}
	if len(values) != ed25519.PrivateKeySize {
		return VaultKey{}, fmt.Errorf("vault keypair must hold %d bytes, got %d", ed25519.PrivateKeySize, len(values))
	}
	secret := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return VaultKey{}, fmt.Errorf("vault keypair byte %d out of range: %d", i, v)
		}
		secret[i] = byte(v)
	}
	derived := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if !derived.Equal(ed25519.PrivateKey(secret)) {
		return VaultKey{}, errors.New("vault keypair public half does not match its seed")
	}
	return VaultKey{priv: derived}, nil
}

// Address is the base58 funding address derived from the key.
func (k VaultKey) Address() string {
	if len(k.priv) == 0 {
		return ""
	}
	return base58.Encode(k.priv.Public().(ed25519.PublicKey))
}

// Sign returns the base58 encoded signature over msg.
func (k VaultKey) Sign(msg []byte) string {
	return base58.Encode(ed25519.Sign(k.priv, msg))
}

// VerifySignature reports whether sig is a valid signature by address over msg.
func VerifySignature(address string, msg []byte, sig string) bool {
	pub := base58.Decode(address)
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	raw := base58.Decode(sig)
	if len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, raw)
}

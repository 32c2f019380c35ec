package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

const defaultIterations = 100_000

// VaultConfig configures key derivation. MasterKey (32 raw bytes) takes
// priority over Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

// AESVault encrypts secrets with AES-256-GCM. The organization and key are
// bound to each ciphertext as additional data, so a value copied to another
// key or tenant fails to decrypt.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault backed by s.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	switch {
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "either a master key or a passphrase is required")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func additionalData(organizationID, key string) []byte {
	return []byte(organizationID + "\x00" + key)
}

func (v *AESVault) Store(ctx context.Context, organizationID, key string, value []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, value, additionalData(organizationID, key))
	return v.store.StoreSecret(ctx, organizationID, key, sealed)
}

func (v *AESVault) Resolve(ctx context.Context, organizationID, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, organizationID, key)
	if err != nil {
		return nil, err
	}
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: ciphertext too short", key)
	}
	plain, err := v.aead.Open(nil, sealed[:n], sealed[n:], additionalData(organizationID, key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: decrypt failed", key).WithCause(err)
	}
	return plain, nil
}

func (v *AESVault) Delete(ctx context.Context, organizationID, key string) error {
	return v.store.DeleteSecret(ctx, organizationID, key)
}

func (v *AESVault) List(ctx context.Context, organizationID string) ([]string, error) {
	return v.store.ListSecrets(ctx, organizationID)
}

var _ Vault = (*AESVault)(nil)

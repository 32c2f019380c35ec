package secrets

import "context"

// Vault resolves workflow secrets. Secrets are scoped per organization,
// encrypted at rest and decrypted in memory only.
type Vault interface {
	Resolve(ctx context.Context, organizationID, key string) ([]byte, error)
	Store(ctx context.Context, organizationID, key string, value []byte) error
	Delete(ctx context.Context, organizationID, key string) error
	List(ctx context.Context, organizationID string) ([]string, error)
}

// SecretStore is the persistence the vault needs. Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, organizationID, key string, value []byte) error
	GetSecret(ctx context.Context, organizationID, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, organizationID, key string) error
	ListSecrets(ctx context.Context, organizationID string) ([]string, error)
}

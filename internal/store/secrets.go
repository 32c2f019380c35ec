package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// StoreSecret upserts an already-encrypted secret value.
func (s *SQLStore) StoreSecret(ctx context.Context, organizationID, key string, value []byte) error {
	now := time.Now().UnixMilli()
	_, err := s.exec(ctx, s.db,
		`INSERT INTO secrets (organization_id, key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (organization_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		organizationID, key, value, now, now)
	if err != nil {
		return storeError("store secret", err)
	}
	return nil
}

func (s *SQLStore) GetSecret(ctx context.Context, organizationID, key string) ([]byte, error) {
	var value []byte
	err := s.queryRow(ctx, s.db,
		`SELECT value FROM secrets WHERE organization_id = ? AND key = ?`, organizationID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, storeError("get secret", err)
	}
	return value, nil
}

func (s *SQLStore) DeleteSecret(ctx context.Context, organizationID, key string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM secrets WHERE organization_id = ? AND key = ?`, organizationID, key)
	if err != nil {
		return storeError("delete secret", err)
	}
	return checkRowsAffected(res, "secret", key)
}

// ListSecrets returns the secret keys of an organization, sorted.
func (s *SQLStore) ListSecrets(ctx context.Context, organizationID string) ([]string, error) {
	rows, err := s.query(ctx, s.db, `SELECT key FROM secrets WHERE organization_id = ? ORDER BY key`, organizationID)
	if err != nil {
		return nil, storeError("list secrets", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storeError("scan secret key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/qaforge/bugsift/internal/model"
)

// CreateAPIKey inserts a new API key record.
func (db *DB) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, key_id, key_hash, role, disabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.KeyID, key.KeyHash, string(key.Role), key.Disabled, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create api key: %w", err)
	}
	return nil
}

// UpsertAPIKey inserts the key or refreshes its hash and role if the key_id
// already exists. Used for the configured bootstrap admin key.
func (db *DB) UpsertAPIKey(ctx context.Context, key *model.APIKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, key_id, key_hash, role, disabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key_id) DO UPDATE SET key_hash = EXCLUDED.key_hash, role = EXCLUDED.role, disabled = FALSE`,
		key.ID, key.KeyID, key.KeyHash, string(key.Role), key.Disabled, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByKeyID looks up a key by its public identifier.
func (db *DB) GetAPIKeyByKeyID(ctx context.Context, keyID string) (model.APIKey, error) {
	var key model.APIKey
	var role string
	err := db.pool.QueryRow(ctx,
		`SELECT id, key_id, key_hash, role, disabled, created_at, last_used_at
		 FROM api_keys WHERE key_id = $1`, keyID,
	).Scan(&key.ID, &key.KeyID, &key.KeyHash, &role, &key.Disabled, &key.CreatedAt, &key.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	key.Role = model.Role(role)
	return key, nil
}

// TouchAPIKey records the last successful token exchange.
func (db *DB) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: touch api key: %w", err)
	}
	return nil
}

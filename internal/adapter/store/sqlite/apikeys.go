package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sevrin/gantry/internal/core/domain"
)

// HashAPIKey derives the stored digest for a raw key. Keys themselves
// never touch the database.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

type apiKeyRow struct {
	ID         string `db:"id"`
	Name       string `db:"name"`
	KeyHash    string `db:"key_hash"`
	Enabled    int    `db:"enabled"`
	CreatedAt  int64  `db:"created_at"`
	LastUsedAt *int64 `db:"last_used_at"`
}

// Lookup resolves a raw key to a caller identity. Unknown or disabled
// keys both surface as AuthError; callers cannot distinguish them.
func (s *Store) Lookup(ctx context.Context, rawKey string) (*domain.APIKey, error) {
	var row apiKeyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM api_keys WHERE key_hash = ?`, HashAPIKey(rawKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.AuthError{Reason: "unknown API key"}
	}
	if err != nil {
		return nil, err
	}
	if row.Enabled == 0 {
		return nil, &domain.AuthError{Reason: "unknown API key"}
	}
	return &domain.APIKey{
		ID:         row.ID,
		Name:       row.Name,
		KeyHash:    row.KeyHash,
		Enabled:    true,
		CreatedAt:  fromMS(row.CreatedAt),
		LastUsedAt: fromMSPtr(row.LastUsedAt),
	}, nil
}

func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.UnixMilli(), id)
	return err
}

// InsertAPIKey exists for provisioning and tests; issuance flows live
// outside the gateway.
func (s *Store) InsertAPIKey(ctx context.Context, name, rawKey string) (*domain.APIKey, error) {
	key := &domain.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   HashAPIKey(rawKey),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, enabled, created_at) VALUES (?, ?, ?, 1, ?)`,
		key.ID, key.Name, key.KeyHash, toMS(key.CreatedAt))
	if err != nil {
		return nil, err
	}
	return key, nil
}

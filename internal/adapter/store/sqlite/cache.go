package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
)

type cacheRow struct {
	CacheKey     string `db:"cache_key"`
	CacheType    string `db:"cache_type"`
	ServerID     string `db:"server_id"`
	ToolName     string `db:"tool_name"`
	RequestHash  string `db:"request_hash"`
	ResponseJSON []byte `db:"response_json"`
	HitCount     int64  `db:"hit_count"`
	TTLSeconds   int    `db:"ttl_seconds"`
	ExpiresAt    int64  `db:"expires_at"`
	CreatedAt    int64  `db:"created_at"`
	LastHitAt    *int64 `db:"last_hit_at"`
}

func (r *cacheRow) toDomain() *domain.CacheEntry {
	return &domain.CacheEntry{
		Key:          r.CacheKey,
		CacheType:    r.CacheType,
		ServerID:     r.ServerID,
		ToolName:     r.ToolName,
		RequestHash:  r.RequestHash,
		ResponseJSON: r.ResponseJSON,
		HitCount:     r.HitCount,
		TTLSeconds:   r.TTLSeconds,
		ExpiresAt:    fromMS(r.ExpiresAt),
		CreatedAt:    fromMS(r.CreatedAt),
		LastHitAt:    fromMSPtr(r.LastHitAt),
	}
}

// GetEntry returns the persisted entry whatever its expiry; the cache
// decides whether it still counts.
func (s *Store) GetEntry(ctx context.Context, key string) (*domain.CacheEntry, error) {
	var row cacheRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM response_cache WHERE cache_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// UpsertEntry writes or replaces one cached response, keyed on cache_key.
func (s *Store) UpsertEntry(ctx context.Context, entry *domain.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO response_cache (cache_key, cache_type, server_id, tool_name, request_hash, response_json, hit_count, ttl_seconds, expires_at, created_at, last_hit_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			response_json = excluded.response_json,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		entry.Key, entry.CacheType, entry.ServerID, entry.ToolName, entry.RequestHash,
		entry.ResponseJSON, entry.HitCount, entry.TTLSeconds,
		toMS(entry.ExpiresAt), toMS(entry.CreatedAt), toMSPtr(entry.LastHitAt))
	return err
}

// BumpHit increments the persisted hit counter. Called off the hot path.
func (s *Store) BumpHit(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE response_cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE cache_key = ?`,
		at.UnixMilli(), key)
	return err
}

// DeleteMatching removes entries matching the filter and reports how
// many went. Tool-name filtering matches on the key suffix.
func (s *Store) DeleteMatching(ctx context.Context, filter domain.CacheInvalidation) (int64, error) {
	query := `DELETE FROM response_cache WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.ServerID != "" {
		query += ` AND server_id = ?`
		args = append(args, filter.ServerID)
	}
	if filter.CacheType != "" {
		query += ` AND cache_type = ?`
		args = append(args, filter.CacheType)
	}
	if filter.ToolName != "" {
		query += ` AND cache_key LIKE ?`
		args = append(args, "%:"+filter.ToolName+":%")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeExpired drops every entry whose deadline has passed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

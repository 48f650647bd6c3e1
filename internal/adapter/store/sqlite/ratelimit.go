package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sevrin/gantry/internal/core/domain"
)

type rateLimitRow struct {
	ID            string `db:"id"`
	APIKeyID      string `db:"api_key_id"`
	ServerID      string `db:"server_id"`
	MinuteCount   int    `db:"minute_count"`
	MinuteResetAt int64  `db:"minute_reset_at"`
	DayCount      int    `db:"day_count"`
	DayResetAt    int64  `db:"day_reset_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

// LoadState fetches the persisted windows for one caller/server pair.
func (s *Store) LoadState(ctx context.Context, apiKeyID, serverID string) (*domain.RateLimitState, error) {
	var row rateLimitRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM rate_limit_state WHERE api_key_id = ? AND server_id = ?`, apiKeyID, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.RateLimitState{
		ID:            row.ID,
		APIKeyID:      row.APIKeyID,
		ServerID:      row.ServerID,
		MinuteCount:   row.MinuteCount,
		MinuteResetAt: fromMS(row.MinuteResetAt),
		DayCount:      row.DayCount,
		DayResetAt:    fromMS(row.DayResetAt),
		UpdatedAt:     fromMS(row.UpdatedAt),
	}, nil
}

// UpsertStates flushes a batch of dirty windows in one transaction.
func (s *Store) UpsertStates(ctx context.Context, states []*domain.RateLimitState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `
		INSERT INTO rate_limit_state (id, api_key_id, server_id, minute_count, minute_reset_at, day_count, day_reset_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (api_key_id, server_id) DO UPDATE SET
			minute_count = excluded.minute_count,
			minute_reset_at = excluded.minute_reset_at,
			day_count = excluded.day_count,
			day_reset_at = excluded.day_reset_at,
			updated_at = excluded.updated_at`
	for _, st := range states {
		if _, err := tx.ExecContext(ctx, stmt,
			st.ID, st.APIKeyID, st.ServerID,
			st.MinuteCount, toMS(st.MinuteResetAt),
			st.DayCount, toMS(st.DayResetAt),
			toMS(st.UpdatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteStates removes persisted windows for a caller, optionally
// scoped to one server.
func (s *Store) DeleteStates(ctx context.Context, apiKeyID, serverID string) error {
	if serverID != "" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM rate_limit_state WHERE api_key_id = ? AND server_id = ?`, apiKeyID, serverID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_state WHERE api_key_id = ?`, apiKeyID)
	return err
}

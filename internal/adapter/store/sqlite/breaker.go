package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sevrin/gantry/internal/core/domain"
)

type breakerRow struct {
	ServerID             string `db:"server_id"`
	State                string `db:"state"`
	FailureCount         int    `db:"failure_count"`
	ConsecutiveSuccesses int    `db:"consecutive_successes"`
	RequestCount         int    `db:"request_count"`
	LastFailureAt        *int64 `db:"last_failure_at"`
	OpenedAt             *int64 `db:"opened_at"`
	LastStateChange      int64  `db:"last_state_change"`
}

// LoadBreaker returns the persisted snapshot for a server, or
// ErrNotFound when the breaker has never tripped state.
func (s *Store) LoadBreaker(ctx context.Context, serverID string) (*domain.BreakerSnapshot, error) {
	var row breakerRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM circuit_breaker_state WHERE server_id = ?`, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.BreakerSnapshot{
		ServerID:             row.ServerID,
		State:                domain.BreakerState(row.State),
		FailureCount:         row.FailureCount,
		ConsecutiveSuccesses: row.ConsecutiveSuccesses,
		RequestCount:         row.RequestCount,
		LastFailureAt:        fromMSPtr(row.LastFailureAt),
		OpenedAt:             fromMSPtr(row.OpenedAt),
		LastStateChange:      fromMS(row.LastStateChange),
	}, nil
}

// UpsertBreaker persists a snapshot synchronously; every state change
// goes through here so restarts resume from the truth.
func (s *Store) UpsertBreaker(ctx context.Context, snap *domain.BreakerSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker_state (server_id, state, failure_count, consecutive_successes, request_count, last_failure_at, opened_at, last_state_change)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			consecutive_successes = excluded.consecutive_successes,
			request_count = excluded.request_count,
			last_failure_at = excluded.last_failure_at,
			opened_at = excluded.opened_at,
			last_state_change = excluded.last_state_change`,
		snap.ServerID, string(snap.State), snap.FailureCount, snap.ConsecutiveSuccesses,
		snap.RequestCount, toMSPtr(snap.LastFailureAt), toMSPtr(snap.OpenedAt),
		toMS(snap.LastStateChange))
	return err
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sevrin/gantry/internal/core/domain"
)

type serverRow struct {
	ID             string `db:"id"`
	Name           string `db:"name"`
	TransportJSON  string `db:"transport_json"`
	AuthJSON       string `db:"auth_json"`
	HealthJSON     string `db:"health_json"`
	RateLimitsJSON string `db:"rate_limits_json"`
	MetadataJSON   string `db:"metadata_json"`
	Enabled        int    `db:"enabled"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r *serverRow) toDomain() (*domain.ServerConfig, error) {
	cfg := &domain.ServerConfig{
		ID:        r.ID,
		Name:      r.Name,
		Enabled:   r.Enabled != 0,
		CreatedAt: fromMS(r.CreatedAt),
		UpdatedAt: fromMS(r.UpdatedAt),
	}
	for _, part := range []struct {
		raw  string
		dest any
	}{
		{r.TransportJSON, &cfg.Transport},
		{r.AuthJSON, &cfg.Auth},
		{r.HealthJSON, &cfg.HealthCheck},
		{r.RateLimitsJSON, &cfg.RateLimits},
		{r.MetadataJSON, &cfg.Metadata},
	} {
		if part.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(part.raw), part.dest); err != nil {
			return nil, fmt.Errorf("decode server %s: %w", r.ID, err)
		}
	}
	return cfg, nil
}

func serverToRow(cfg *domain.ServerConfig) (*serverRow, error) {
	row := &serverRow{
		ID:        cfg.ID,
		Name:      cfg.Name,
		Enabled:   boolToInt(cfg.Enabled),
		CreatedAt: toMS(cfg.CreatedAt),
		UpdatedAt: toMS(cfg.UpdatedAt),
	}
	for _, part := range []struct {
		src  any
		dest *string
	}{
		{cfg.Transport, &row.TransportJSON},
		{cfg.Auth, &row.AuthJSON},
		{cfg.HealthCheck, &row.HealthJSON},
		{cfg.RateLimits, &row.RateLimitsJSON},
		{cfg.Metadata, &row.MetadataJSON},
	} {
		raw, err := json.Marshal(part.src)
		if err != nil {
			return nil, err
		}
		*part.dest = string(raw)
	}
	return row, nil
}

// Create inserts a new server config. Names are unique; a duplicate
// surfaces as a validation error rather than a bare constraint failure.
func (s *Store) Create(ctx context.Context, cfg *domain.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	cfg.HealthCheck.Normalise()

	row, err := serverToRow(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO servers (id, name, transport_json, auth_json, health_json, rate_limits_json, metadata_json, enabled, created_at, updated_at)
		VALUES (:id, :name, :transport_json, :auth_json, :health_json, :rate_limits_json, :metadata_json, :enabled, :created_at, :updated_at)`, row)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return &domain.ValidationError{Field: "name", Reason: "already in use"}
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*domain.ServerConfig, error) {
	var row serverRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM servers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "server", Name: id}
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) GetByName(ctx context.Context, name string) (*domain.ServerConfig, error) {
	var row serverRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM servers WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "server", Name: name}
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) List(ctx context.Context) ([]*domain.ServerConfig, error) {
	var rows []serverRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM servers ORDER BY name`); err != nil {
		return nil, err
	}
	out := make([]*domain.ServerConfig, 0, len(rows))
	for i := range rows {
		cfg, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Update rewrites every mutable column. UpdatedAt always moves forward.
func (s *Store) Update(ctx context.Context, cfg *domain.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now().UTC()
	cfg.HealthCheck.Normalise()
	row, err := serverToRow(cfg)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE servers SET name = :name, transport_json = :transport_json, auth_json = :auth_json,
			health_json = :health_json, rate_limits_json = :rate_limits_json, metadata_json = :metadata_json,
			enabled = :enabled, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &domain.ValidationError{Field: "name", Reason: "already in use"}
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "server", Name: cfg.ID}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "server", Name: id}
	}
	return nil
}

// SetEnabled toggles a server without deleting its row or history.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "server", Name: id}
	}
	return nil
}

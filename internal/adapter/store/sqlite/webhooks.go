package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sevrin/gantry/internal/core/domain"
)

type subscriptionRow struct {
	ID               string `db:"id"`
	URL              string `db:"url"`
	Secret           string `db:"secret"`
	EventTypesJSON   string `db:"event_types_json"`
	ServerFilterJSON string `db:"server_filter_json"`
	RetryCount       int    `db:"retry_count"`
	RetryDelayMS     int64  `db:"retry_delay_ms"`
	TimeoutMS        int64  `db:"timeout_ms"`
	Enabled          int    `db:"enabled"`
	CreatedAt        int64  `db:"created_at"`
}

func (r *subscriptionRow) toDomain() (*domain.WebhookSubscription, error) {
	sub := &domain.WebhookSubscription{
		ID:         r.ID,
		URL:        r.URL,
		Secret:     r.Secret,
		RetryCount: r.RetryCount,
		RetryDelay: time.Duration(r.RetryDelayMS) * time.Millisecond,
		Timeout:    time.Duration(r.TimeoutMS) * time.Millisecond,
		Enabled:    r.Enabled != 0,
		CreatedAt:  fromMS(r.CreatedAt),
	}
	if err := json.Unmarshal([]byte(r.EventTypesJSON), &sub.EventTypes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.ServerFilterJSON), &sub.ServerFilter); err != nil {
		return nil, err
	}
	return sub, nil
}

// CreateSubscription persists a webhook registration, applying delivery
// defaults for unset knobs.
func (s *Store) CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	if sub.URL == "" {
		return &domain.ValidationError{Field: "url", Reason: "must not be empty"}
	}
	for _, t := range sub.EventTypes {
		if !t.Valid() {
			return &domain.ValidationError{Field: "eventTypes", Reason: "unknown event type " + string(t)}
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.RetryDelay <= 0 {
		sub.RetryDelay = time.Second
	}
	if sub.Timeout <= 0 {
		sub.Timeout = 10 * time.Second
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	types, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return err
	}
	filter, err := json.Marshal(sub.ServerFilter)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, url, secret, event_types_json, server_filter_json, retry_count, retry_delay_ms, timeout_ms, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.URL, sub.Secret, string(types), string(filter),
		sub.RetryCount, sub.RetryDelay.Milliseconds(), sub.Timeout.Milliseconds(),
		boolToInt(sub.Enabled), toMS(sub.CreatedAt))
	return err
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM webhook_subscriptions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]*domain.WebhookSubscription, error) {
	var rows []subscriptionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM webhook_subscriptions ORDER BY created_at`); err != nil {
		return nil, err
	}
	out := make([]*domain.WebhookSubscription, 0, len(rows))
	for i := range rows {
		sub, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDelivery appends one delivery attempt. Response bodies are
// truncated before they reach the store.
func (s *Store) RecordDelivery(ctx context.Context, rec *domain.DeliveryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	body := rec.ResponseBody
	if len(body) > domain.MaxDeliveryBodyBytes {
		body = body[:domain.MaxDeliveryBodyBytes]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, event_type, payload, attempt, status, status_code, response_body, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SubscriptionID, string(rec.EventType), rec.Payload, rec.Attempt,
		string(rec.Status), rec.StatusCode, body, rec.Error,
		rec.Duration.Milliseconds(), toMS(rec.CreatedAt))
	return err
}

func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*domain.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	type deliveryRow struct {
		ID             string `db:"id"`
		SubscriptionID string `db:"subscription_id"`
		EventType      string `db:"event_type"`
		Payload        []byte `db:"payload"`
		Attempt        int    `db:"attempt"`
		Status         string `db:"status"`
		StatusCode     int    `db:"status_code"`
		ResponseBody   string `db:"response_body"`
		Error          string `db:"error"`
		DurationMS     int64  `db:"duration_ms"`
		CreatedAt      int64  `db:"created_at"`
	}
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM webhook_deliveries WHERE subscription_id = ?
		ORDER BY created_at DESC LIMIT ?`, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.DeliveryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.DeliveryRecord{
			ID:             r.ID,
			SubscriptionID: r.SubscriptionID,
			EventType:      domain.EventType(r.EventType),
			Payload:        r.Payload,
			Attempt:        r.Attempt,
			Status:         domain.DeliveryStatus(r.Status),
			StatusCode:     r.StatusCode,
			ResponseBody:   r.ResponseBody,
			Error:          r.Error,
			Duration:       time.Duration(r.DurationMS) * time.Millisecond,
			CreatedAt:      fromMS(r.CreatedAt),
		})
	}
	return out, nil
}

package domain

import "time"

// MaxDeliveryBodyBytes caps the persisted response body per attempt.
const MaxDeliveryBodyBytes = 1024

// WebhookSubscription is a persisted registration for event delivery.
// An empty EventTypes list matches every event; an empty ServerFilter
// matches every server.
type WebhookSubscription struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Secret       string        `json:"secret,omitempty"`
	EventTypes   []EventType   `json:"eventTypes"`
	ServerFilter []string      `json:"serverFilter,omitempty"`
	RetryCount   int           `json:"retryCount"`
	RetryDelay   time.Duration `json:"retryDelayMs"`
	Timeout      time.Duration `json:"timeoutMs"`
	Enabled      bool          `json:"enabled"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Matches reports whether an event should be delivered to this
// subscription.
func (s *WebhookSubscription) Matches(ev Event) bool {
	if !s.Enabled {
		return false
	}
	if len(s.EventTypes) > 0 {
		found := false
		for _, t := range s.EventTypes {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.ServerFilter) > 0 && ev.ServerID != "" {
		for _, id := range s.ServerFilter {
			if id == ev.ServerID {
				return true
			}
		}
		return false
	}
	return true
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryRecord is one webhook delivery attempt.
type DeliveryRecord struct {
	ID             string         `json:"id" db:"id"`
	SubscriptionID string         `json:"subscriptionId" db:"subscription_id"`
	EventType      EventType      `json:"eventType" db:"event_type"`
	Payload        []byte         `json:"payload" db:"payload"`
	Attempt        int            `json:"attempt" db:"attempt"`
	Status         DeliveryStatus `json:"status" db:"status"`
	StatusCode     int            `json:"statusCode,omitempty" db:"status_code"`
	ResponseBody   string         `json:"responseBody,omitempty" db:"response_body"`
	Error          string         `json:"error,omitempty" db:"error"`
	Duration       time.Duration  `json:"durationMs" db:"duration_ms"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
}

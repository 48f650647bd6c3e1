package domain

import "time"

const (
	MinuteWindow = time.Minute
	DayWindow    = 24 * time.Hour

	DefaultPerMinuteLimit = 60
	DefaultPerDayLimit    = 10000
)

// RateLimitState is the persisted pair of fixed windows for one
// (apiKeyId, serverId) combination. Reset deadlines are absolute;
// a window rolls over lazily on the next observation after its
// deadline passes.
type RateLimitState struct {
	ID            string    `db:"id"`
	APIKeyID      string    `db:"api_key_id"`
	ServerID      string    `db:"server_id"`
	MinuteCount   int       `db:"minute_count"`
	MinuteResetAt time.Time `db:"minute_reset_at"`
	DayCount      int       `db:"day_count"`
	DayResetAt    time.Time `db:"day_reset_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Roll zeroes any window whose deadline has passed and advances the
// deadline from now.
func (s *RateLimitState) Roll(now time.Time) {
	if !now.Before(s.MinuteResetAt) {
		s.MinuteCount = 0
		s.MinuteResetAt = now.Add(MinuteWindow)
	}
	if !now.Before(s.DayResetAt) {
		s.DayCount = 0
		s.DayResetAt = now.Add(DayWindow)
	}
}

// RateLimitResult is what the limiter reports for one check.
type RateLimitResult struct {
	Allowed         bool          `json:"allowed"`
	MinuteRemaining int           `json:"minuteRemaining"`
	MinuteResetAt   time.Time     `json:"minuteResetAt"`
	DayRemaining    int           `json:"dayRemaining"`
	DayResetAt      time.Time     `json:"dayResetAt"`
	RetryAfter      time.Duration `json:"-"`
}

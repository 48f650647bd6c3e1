package domain

import "time"

// BreakerState is the three-state failure gate per server.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSettings are the trip/recovery thresholds. The defaults match
// production behaviour; tests shrink them.
type BreakerSettings struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	VolumeThreshold  int           `mapstructure:"volume_threshold"`
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		VolumeThreshold:  10,
	}
}

// BreakerSnapshot is the persisted, restart-authoritative state of one
// breaker. OpenedAt is non-nil iff the breaker has been open since the
// last transition to closed.
type BreakerSnapshot struct {
	ServerID             string       `json:"serverId" db:"server_id"`
	State                BreakerState `json:"state" db:"state"`
	FailureCount         int          `json:"failureCount" db:"failure_count"`
	ConsecutiveSuccesses int          `json:"consecutiveSuccesses" db:"consecutive_successes"`
	RequestCount         int          `json:"requestCount" db:"request_count"`
	LastFailureAt        *time.Time   `json:"lastFailureAt,omitempty" db:"last_failure_at"`
	OpenedAt             *time.Time   `json:"openedAt,omitempty" db:"opened_at"`
	LastStateChange      time.Time    `json:"lastStateChange" db:"last_state_change"`
}

package domain

import (
	"encoding/json"
	"strings"
)

// InvocationRequest is one tool call as submitted by a caller. The tool
// name may be qualified ("fs/read_file") or short ("read_file").
type InvocationRequest struct {
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params,omitempty"`
}

// RateLimitInfo is the limiter block attached to invocation results.
// Remaining and ResetAt describe the minute window; the day window
// rides alongside so handlers can surface both headers.
type RateLimitInfo struct {
	Remaining    int    `json:"remaining"`
	ResetAt      string `json:"resetAt"`
	DayRemaining int    `json:"dayRemaining"`
	DayResetAt   string `json:"dayResetAt,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// CircuitBreakerInfo is the breaker block attached to invocation results.
type CircuitBreakerInfo struct {
	State        BreakerState `json:"state"`
	RetryAfterMs int64        `json:"retryAfterMs,omitempty"`
}

// InvocationResult is the uniform return shape of the router. DurationMs
// is wall-clock from pipeline entry, including cache hits and failures.
type InvocationResult struct {
	Success        bool                `json:"success"`
	ServerID       string              `json:"serverId,omitempty"`
	ToolName       string              `json:"toolName"`
	DurationMs     int64               `json:"durationMs"`
	Data           json.RawMessage     `json:"data,omitempty"`
	Error          string              `json:"error,omitempty"`
	Cached         bool                `json:"cached,omitempty"`
	RateLimit      *RateLimitInfo      `json:"rateLimit,omitempty"`
	CircuitBreaker *CircuitBreakerInfo `json:"circuitBreaker,omitempty"`
}

// HTTPStatus maps a finished result onto a response code. Results
// flatten pipeline errors to strings for the wire, so classification
// leans on the attached blocks first and the message shape second.
func (r InvocationResult) HTTPStatus() int {
	switch {
	case r.Error == "":
		return 200
	case r.CircuitBreaker != nil && r.CircuitBreaker.State == BreakerOpen:
		return 503
	case strings.HasPrefix(r.Error, "rate limit exceeded"):
		return 429
	case strings.HasPrefix(r.Error, "Tool not found"):
		return 404
	case strings.HasSuffix(r.Error, "is not connected"):
		return 503
	case strings.Contains(r.Error, "timed out after"):
		return 504
	default:
		return 500
	}
}

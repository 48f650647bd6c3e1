// Package security guards the control-plane HTTP surface: edge rate
// limiting per client IP and request size caps. These sit in front of
// every route; per-caller invocation budgets are a separate concern
// handled inside the pipeline.
package security

import (
	"context"
	"net/http"
	"time"
)

const (
	ViolationRateLimit = "rate_limit"
	ViolationSizeLimit = "size_limit"

	healthCheckEndpoint = "/health"
)

// Request is the validator's view of one inbound HTTP request.
type Request struct {
	ClientID      string
	Endpoint      string
	Method        string
	Headers       http.Header
	BodySize      int64
	HeaderSize    int64
	IsHealthCheck bool
}

// Result reports a validator decision plus rate metadata for headers.
type Result struct {
	Allowed    bool
	Reason     string
	RateLimit  int
	Remaining  int
	RetryAfter int
	ResetTime  time.Time
}

// Violation is one rejected request, recorded for metrics.
type Violation struct {
	ClientID      string
	ViolationType string
	Endpoint      string
	Size          int64
	Timestamp     time.Time
}

// Validator is one link in the security chain.
type Validator interface {
	Name() string
	Validate(ctx context.Context, req Request) (Result, error)
}

// ViolationRecorder receives rejected-request notifications. The
// Prometheus metrics registry implements this through an adapter.
type ViolationRecorder interface {
	RecordViolation(v Violation)
}

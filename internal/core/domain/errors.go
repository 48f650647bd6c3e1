package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// NotFoundError covers unknown tools and servers.
type NotFoundError struct {
	Kind string // "tool" or "server"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", titleKind(e.Kind), e.Name)
}

func titleKind(kind string) string {
	switch kind {
	case "tool":
		return "Tool"
	case "server":
		return "Server"
	default:
		return kind
	}
}

// CircuitOpenError rejects a call while a server's breaker is open.
type CircuitOpenError struct {
	ServerName string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %dms", e.ServerName, e.RetryAfter.Milliseconds())
}

// RateLimitedError rejects a call that exceeded the caller's windows.
type RateLimitedError struct {
	RetryAfter      time.Duration
	MinuteRemaining int
	DayRemaining    int
	MinuteResetAt   time.Time
	DayResetAt      time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %dms", e.RetryAfter.Milliseconds())
}

// NotConnectedError means the server exists but has no live transport.
// It is operator-actionable and never trips the breaker.
type NotConnectedError struct {
	ServerID   string
	ServerName string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("server %s is not connected", e.ServerName)
}

// ConnectError wraps a failed transport handshake.
type ConnectError struct {
	ServerName string
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.ServerName, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// UpstreamError surfaces a downstream provider failure verbatim.
type UpstreamError struct {
	ServerName string
	Tool       string
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("upstream call %s/%s failed: %v", e.ServerName, e.Tool, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// TimeoutError is a downstream deadline overrun; it counts toward the
// breaker.
type TimeoutError struct {
	ServerName string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %dms", e.ServerName, e.Timeout.Milliseconds())
}

// ValidationError rejects a malformed request before it touches the
// pipeline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthError rejects a missing or unknown caller key.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "unauthorised: " + e.Reason }

// ErrShuttingDown rejects new work during graceful shutdown. Retryable.
var ErrShuttingDown = errors.New("service unavailable: shutting down")

// HTTPStatus maps the error taxonomy onto response codes.
func HTTPStatus(err error) int {
	var (
		notFound     *NotFoundError
		circuitOpen  *CircuitOpenError
		rateLimited  *RateLimitedError
		notConnected *NotConnectedError
		timeout      *TimeoutError
		validation   *ValidationError
		auth         *AuthError
		upstream     *UpstreamError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &circuitOpen):
		return http.StatusServiceUnavailable
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &notConnected):
		return http.StatusServiceUnavailable
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &auth):
		return http.StatusUnauthorized
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

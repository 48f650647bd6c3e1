package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sevrin/gantry/internal/core/domain"
)

func TestHealth_NoServersIsHealthy(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[healthResponse](t, rec)
	assert.Equal(t, "healthy", body.Status)
	assert.Empty(t, body.Connections)
}

func TestHealth_AllConnected(t *testing.T) {
	env := newTestEnv(t)
	env.pool.conns["srv-1"] = domain.Connection{
		ServerID:        "srv-1",
		ServerName:      "files",
		Status:          domain.ConnectionConnected,
		LastHealthCheck: time.Now().UTC(),
	}

	rec := env.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[healthResponse](t, rec)
	assert.Equal(t, "healthy", body.Status)
	assert.Len(t, body.Connections, 1)
	assert.NotEmpty(t, body.Connections[0].LastSeen)
	assert.Contains(t, body.Connections[0].LastSeenAgo, "ago")
}

func TestHealth_DegradedWhenOneErrored(t *testing.T) {
	env := newTestEnv(t)
	env.pool.conns["srv-1"] = domain.Connection{ServerID: "srv-1", Status: domain.ConnectionConnected}
	env.pool.conns["srv-2"] = domain.Connection{ServerID: "srv-2", Status: domain.ConnectionError, LastError: "boom"}

	rec := env.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[healthResponse](t, rec)
	assert.Equal(t, "degraded", body.Status)
}

func TestHealth_UnhealthyWhenNothingConnected(t *testing.T) {
	env := newTestEnv(t)
	env.pool.conns["srv-1"] = domain.Connection{ServerID: "srv-1", Status: domain.ConnectionError}

	rec := env.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeJSON[healthResponse](t, rec)
	assert.Equal(t, "unhealthy", body.Status)
}

func TestReady_TrueWithNoServers(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health/ready", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[map[string]bool](t, rec)
	assert.True(t, body["ready"])
}

func TestReady_FalseUntilOneConnects(t *testing.T) {
	env := newTestEnv(t)
	env.pool.conns["srv-1"] = domain.Connection{ServerID: "srv-1", Status: domain.ConnectionConnecting}

	rec := env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.pool.conns["srv-1"] = domain.Connection{ServerID: "srv-1", Status: domain.ConnectionConnected}

	rec = env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVersionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/version", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[map[string]string](t, rec)
	assert.NotEmpty(t, body["name"])
	assert.NotEmpty(t, body["version"])
}

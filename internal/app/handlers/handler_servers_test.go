package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevrin/gantry/internal/core/domain"
)

func seedServer(t *testing.T, env *testEnv, name string) *domain.ServerConfig {
	t.Helper()
	cfg := &domain.ServerConfig{
		Name: name,
		Transport: domain.TransportConfig{
			Kind:    domain.TransportStdio,
			Command: "mcp-" + name,
		},
		Enabled: true,
	}
	require.NoError(t, env.servers.Create(context.Background(), cfg))
	return cfg
}

func TestCreateServer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/servers",
		`{"name":"files","transport":{"kind":"stdio","command":"mcp-files"},"enabled":true}`)

	assert.Equal(t, http.StatusCreated, rec.Code)

	body := decodeJSON[serverView](t, rec)
	assert.NotEmpty(t, body.ID)
	assert.Equal(t, "files", body.Name)

	// Enabled servers connect straight away.
	assert.Equal(t, []string{body.ID}, env.controller.connected)

	events := env.bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventServerCreated, events[0].Type)
	assert.Equal(t, body.ID, events[0].ServerID)

	assert.Contains(t, env.usage.audits, "server.create:"+body.ID)
}

func TestCreateServer_DisabledSkipsConnect(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/servers",
		`{"name":"files","transport":{"kind":"stdio","command":"mcp-files"}}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, env.controller.connected)
}

func TestCreateServer_ConnectFailureStillCreates(t *testing.T) {
	env := newTestEnv(t)
	env.controller.connectErr = assert.AnError

	rec := env.do(t, http.MethodPost, "/servers",
		`{"name":"files","transport":{"kind":"stdio","command":"mcp-files"},"enabled":true}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	_, err := env.servers.GetByName(context.Background(), "files")
	assert.NoError(t, err)
}

func TestCreateServer_InvalidTransport(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/servers",
		`{"name":"files","transport":{"kind":"stdio"}}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.bus.published())
}

func TestCreateServer_MalformedBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/servers", `{"name":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListServers_IncludesConnectionState(t *testing.T) {
	env := newTestEnv(t)
	cfg := seedServer(t, env, "files")
	env.pool.conns[cfg.ID] = domain.Connection{ServerID: cfg.ID, Status: domain.ConnectionConnected}

	rec := env.do(t, http.MethodGet, "/servers", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[struct {
		Servers []serverView `json:"servers"`
		Count   int          `json:"count"`
	}](t, rec)
	require.Equal(t, 1, body.Count)
	require.NotNil(t, body.Servers[0].Connection)
	assert.Equal(t, domain.ConnectionConnected, body.Servers[0].Connection.Status)
}

func TestGetServer_ByIDOrName(t *testing.T) {
	env := newTestEnv(t)
	cfg := seedServer(t, env, "files")

	byID := env.do(t, http.MethodGet, "/servers/"+cfg.ID, "")
	byName := env.do(t, http.MethodGet, "/servers/files", "")

	assert.Equal(t, http.StatusOK, byID.Code)
	assert.Equal(t, http.StatusOK, byName.Code)
	assert.Equal(t, cfg.ID, decodeJSON[serverView](t, byName).ID)
}

func TestGetServer_Unknown(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/servers/ghost", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateServer_PreservesIdentity(t *testing.T) {
	env := newTestEnv(t)
	cfg := seedServer(t, env, "files")

	rec := env.do(t, http.MethodPut, "/servers/"+cfg.ID,
		`{"name":"files","transport":{"kind":"stdio","command":"mcp-files-v2"},"enabled":true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[serverView](t, rec)
	assert.Equal(t, cfg.ID, body.ID)
	assert.Equal(t, "mcp-files-v2", body.Transport.Command)

	events := env.bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventServerUpdated, events[0].Type)
}

func TestDeleteServer(t *testing.T) {
	env := newTestEnv(t)
	cfg := seedServer(t, env, "files")
	env.pool.conns[cfg.ID] = domain.Connection{ServerID: cfg.ID, Status: domain.ConnectionConnected}

	rec := env.do(t, http.MethodDelete, "/servers/"+cfg.ID, "")

	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Live connection is torn down before the row goes.
	assert.Equal(t, []string{cfg.ID}, env.controller.disconnected)

	_, err := env.servers.Get(context.Background(), cfg.ID)
	assert.Error(t, err)

	events := env.bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventServerDeleted, events[0].Type)
}

func TestDeleteServer_NotConnectedSkipsDisconnect(t *testing.T) {
	env := newTestEnv(t)
	cfg := seedServer(t, env, "files")

	rec := env.do(t, http.MethodDelete, "/servers/"+cfg.ID, "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.controller.disconnected)
}

func TestConnectServerEndpoint(t *testing.T) {
	env := newTestEnv(t)
	cfg := seedServer(t, env, "files")

	rec := env.do(t, http.MethodPost, "/servers/"+cfg.ID+"/connect", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{cfg.ID}, env.controller.connected)
	assert.Contains(t, env.usage.audits, "server.connect:"+cfg.ID)
}

func TestDisconnectServerEndpoint(t *testing.T) {
	env := newTestEnv(t)
	cfg := seedServer(t, env, "files")

	rec := env.do(t, http.MethodPost, "/servers/"+cfg.ID+"/disconnect", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{cfg.ID}, env.controller.disconnected)
}

func TestEnableServer_Connects(t *testing.T) {
	env := newTestEnv(t)
	cfg := seedServer(t, env, "files")

	rec := env.do(t, http.MethodPost, "/servers/"+cfg.ID+"/enable", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{cfg.ID}, env.controller.connected)
	assert.True(t, decodeJSON[serverView](t, rec).Enabled)
	assert.Contains(t, env.usage.audits, "server.enable:"+cfg.ID)
}

func TestDisableServer_DisconnectsWhenLive(t *testing.T) {
	env := newTestEnv(t)
	cfg := seedServer(t, env, "files")
	env.pool.conns[cfg.ID] = domain.Connection{ServerID: cfg.ID, Status: domain.ConnectionConnected}

	rec := env.do(t, http.MethodPost, "/servers/"+cfg.ID+"/disable", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{cfg.ID}, env.controller.disconnected)

	stored, err := env.servers.Get(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
}

func TestServerTools(t *testing.T) {
	env := newTestEnv(t)
	cfg := seedServer(t, env, "fs")
	env.tools.entries = []*domain.ToolEntry{
		{QualifiedName: "fs/read_file", Name: "read_file", ServerID: cfg.ID},
		{QualifiedName: "web/fetch", Name: "fetch", ServerID: "srv-other"},
	}

	rec := env.do(t, http.MethodGet, "/servers/"+cfg.ID+"/tools", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[toolListResponse](t, rec)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "fs/read_file", body.Tools[0].QualifiedName)
}

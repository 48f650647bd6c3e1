package handlers

import (
	"net/http"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/version"
	"github.com/sevrin/gantry/pkg/format"
)

type connectionStatus struct {
	ServerID    string `json:"serverId"`
	ServerName  string `json:"serverName"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	LastSeen    string `json:"lastSeen,omitempty"`
	LastSeenAgo string `json:"lastSeenAgo,omitempty"`
}

type healthResponse struct {
	Status      string             `json:"status"`
	Uptime      string             `json:"uptime"`
	Connections []connectionStatus `json:"connections"`
}

// healthHandler aggregates connection state: healthy when every server
// is connected, degraded when any sits in error, unhealthy when nothing
// is connected at all.
func (a *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	conns := a.deps.Pool.AllConnections()

	connected, errored := 0, 0
	statuses := make([]connectionStatus, 0, len(conns))
	for _, conn := range conns {
		switch conn.Status {
		case domain.ConnectionConnected:
			connected++
		case domain.ConnectionError:
			errored++
		}
		cs := connectionStatus{
			ServerID:   conn.ServerID,
			ServerName: conn.ServerName,
			Status:     string(conn.Status),
			Error:      conn.LastError,
		}
		if !conn.LastHealthCheck.IsZero() {
			cs.LastSeen = conn.LastHealthCheck.UTC().Format(time.RFC3339)
			cs.LastSeenAgo = format.TimeAgo(conn.LastHealthCheck)
		}
		statuses = append(statuses, cs)
	}

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case len(conns) > 0 && connected == 0:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case errored > 0 || connected < len(conns):
		status = "degraded"
	}

	a.writeJSON(w, r, httpStatus, healthResponse{
		Status:      status,
		Uptime:      time.Since(a.StartTime).Round(time.Second).String(),
		Connections: statuses,
	})
}

// readyHandler reports ready once at least one server is connected, or
// unconditionally when none are configured.
func (a *Application) readyHandler(w http.ResponseWriter, r *http.Request) {
	conns := a.deps.Pool.AllConnections()

	ready := true
	if len(conns) > 0 {
		ready = false
		for _, conn := range conns {
			if conn.Status == domain.ConnectionConnected {
				ready = true
				break
			}
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, r, status, map[string]bool{"ready": ready})
}

func (a *Application) versionHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, http.StatusOK, map[string]string{
		"name":    version.Name,
		"version": version.Version,
		"commit":  version.Commit,
		"built":   version.Date,
	})
}

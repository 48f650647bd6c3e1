package domain

import "time"

// ConnectionStatus tracks the lifecycle of a transport connection.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
)

// Connection is the pool's view of one server link. The transport
// handle itself is owned exclusively by the pool and never leaves it;
// callers re-query the pool on every invocation.
type Connection struct {
	ServerID        string           `json:"serverId"`
	ServerName      string           `json:"serverName"`
	Status          ConnectionStatus `json:"status"`
	ConnectedAt     time.Time        `json:"connectedAt,omitempty"`
	LastHealthCheck time.Time        `json:"lastHealthCheck,omitempty"`
	LastError       string           `json:"lastError,omitempty"`
}

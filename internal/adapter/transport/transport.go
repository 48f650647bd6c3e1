// Package transport speaks the downstream wire protocol to tool
// servers over child-process stdio, SSE, or plain HTTP. The gateway
// core only depends on the operations here: initialize, list tools,
// call tool, ping.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/logger"
)

// Transport is one live link to a tool server. Implementations are safe
// for concurrent calls; Close is idempotent.
type Transport interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]domain.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config carries everything needed to dial one server. Headers already
// include resolved auth material.
type Config struct {
	ServerName string
	Kind       domain.TransportKind
	Command    string
	Args       []string
	Env        map[string]string
	URL        string
	Headers    map[string]string
}

// New dials nothing; it constructs the transport for the descriptor.
// The caller drives the handshake via Initialize.
func New(cfg Config, log *logger.StyledLogger) (Transport, error) {
	switch cfg.Kind {
	case domain.TransportStdio:
		return newStdioTransport(cfg, log), nil
	case domain.TransportSSE:
		return newSSETransport(cfg, log), nil
	case domain.TransportHTTP:
		return newHTTPTransport(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", cfg.Kind)
	}
}

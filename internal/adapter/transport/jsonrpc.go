package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sevrin/gantry/internal/core/domain"
)

const (
	jsonrpcVersion = "2.0"

	methodInitialize = "initialize"
	methodListTools  = "tools/list"
	methodCallTool   = "tools/call"
	methodPing       = "ping"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type listToolsResult struct {
	Tools []domain.ToolDescriptor `json:"tools"`
}

type initializeParams struct {
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`
}

// caller is the shared request primitive each transport provides.
type caller interface {
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

func doInitialize(ctx context.Context, c caller, clientVersion string) error {
	_, err := c.call(ctx, methodInitialize, initializeParams{
		ClientName:    "gantry",
		ClientVersion: clientVersion,
	})
	return err
}

func doListTools(ctx context.Context, c caller) ([]domain.ToolDescriptor, error) {
	raw, err := c.call(ctx, methodListTools, nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

func doCallTool(ctx context.Context, c caller, name string, args map[string]any) (json.RawMessage, error) {
	return c.call(ctx, methodCallTool, callToolParams{Name: name, Arguments: args})
}

func doPing(ctx context.Context, c caller) error {
	_, err := c.call(ctx, methodPing, nil)
	return err
}

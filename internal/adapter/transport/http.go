package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/internal/version"
)

// httpTransport POSTs one JSON-RPC frame per call to a single endpoint.
// Stateless: Initialize still performs the handshake so the server can
// reject unsupported clients early.
type httpTransport struct {
	cfg    Config
	log    *logger.StyledLogger
	client *http.Client
	nextID atomic.Int64
	closed atomic.Bool
}

func newHTTPTransport(cfg Config, log *logger.StyledLogger) *httpTransport {
	return &httpTransport{
		cfg: cfg,
		log: log,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
}

func (t *httpTransport) Initialize(ctx context.Context) error {
	return doInitialize(ctx, t, version.Version)
}

func (t *httpTransport) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return doListTools(ctx, t)
}

func (t *httpTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return doCallTool(ctx, t, name, args)
}

func (t *httpTransport) Ping(ctx context.Context) error {
	return doPing(ctx, t)
}

func (t *httpTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, errors.New("transport closed")
	}

	id := t.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", t.cfg.ServerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned HTTP %d: %s", t.cfg.ServerName, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", t.cfg.ServerName, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (t *httpTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.client.CloseIdleConnections()
	}
	return nil
}

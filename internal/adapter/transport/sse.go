package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/internal/version"
)

const sseHandshakeTimeout = 10 * time.Second

// sseTransport opens a long-lived event stream for responses and POSTs
// requests to the endpoint the server advertises in its first event.
// Responses come back asynchronously and are matched to callers by id.
type sseTransport struct {
	cfg    Config
	log    *logger.StyledLogger
	client *http.Client
	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan *rpcResponse
	postURL  string
	ready    chan struct{}
	started  bool
	closed   bool
	done     chan struct{}
	cancelFn context.CancelFunc
}

func newSSETransport(cfg Config, log *logger.StyledLogger) *sseTransport {
	return &sseTransport{
		cfg:     cfg,
		log:     log,
		client:  &http.Client{},
		pending: make(map[int64]chan *rpcResponse),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (t *sseTransport) Initialize(ctx context.Context) error {
	if err := t.openStream(ctx); err != nil {
		return err
	}
	return doInitialize(ctx, t, version.Version)
}

func (t *sseTransport) openStream(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancelFn = cancel
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open stream to %s: %w", t.cfg.ServerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("%s returned HTTP %d for event stream", t.cfg.ServerName, resp.StatusCode)
	}

	go t.readLoop(resp.Body)

	// The server announces its message endpoint before anything else.
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		t.shutdown(ctx.Err())
		return ctx.Err()
	case <-time.After(sseHandshakeTimeout):
		t.shutdown(errors.New("endpoint handshake timed out"))
		return fmt.Errorf("%s: no endpoint event within %s", t.cfg.ServerName, sseHandshakeTimeout)
	}
}

func (t *sseTransport) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return doListTools(ctx, t)
}

func (t *sseTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return doCallTool(ctx, t, name, args)
}

func (t *sseTransport) Ping(ctx context.Context) error {
	return doPing(ctx, t)
}

func (t *sseTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport closed")
	}
	postURL := t.postURL
	t.mu.Unlock()
	if postURL == "" {
		return nil, errors.New("stream not established")
	}

	id := t.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	ch := make(chan *rpcResponse, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", t.cfg.ServerName, err)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s rejected request: HTTP %d", t.cfg.ServerName, resp.StatusCode)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, errors.New("transport closed")
	case rpcResp := <-ch:
		if rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		return rpcResp.Result, nil
	}
}

// readLoop parses the text/event-stream framing: "event:" and "data:"
// lines terminated by a blank line.
func (t *sseTransport) readLoop(body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLineBytes)

	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			t.dispatch(event, data.String())
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		case strings.HasPrefix(line, ":"):
			// Comment keepalive from the server; nothing to do.
		}
	}
	t.shutdown(errors.New("event stream closed"))
}

func (t *sseTransport) dispatch(event, data string) {
	if data == "" {
		return
	}
	switch event {
	case "endpoint":
		t.setEndpoint(data)
	case "message", "":
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			t.log.Debug("discarding unparseable frame", "server", t.cfg.ServerName, "error", err)
			return
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// setEndpoint resolves the advertised message URL against the stream
// URL; servers commonly send a relative path.
func (t *sseTransport) setEndpoint(raw string) {
	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		return
	}
	ref, err := url.Parse(raw)
	if err != nil {
		t.log.Debug("ignoring malformed endpoint event", "server", t.cfg.ServerName, "value", raw)
		return
	}
	resolved := base.ResolveReference(ref).String()

	t.mu.Lock()
	first := t.postURL == ""
	t.postURL = resolved
	t.mu.Unlock()
	if first {
		close(t.ready)
	}
}

func (t *sseTransport) shutdown(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
	t.pending = make(map[int64]chan *rpcResponse)
	if t.cancelFn != nil {
		t.cancelFn()
	}
	t.log.Debug("sse transport down", "server", t.cfg.ServerName, "cause", cause)
}

func (t *sseTransport) Close() error {
	t.shutdown(errors.New("closed"))
	t.client.CloseIdleConnections()
	return nil
}

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/internal/version"
)

const (
	// Tool responses can be large; give the stdout scanner headroom.
	stdioMaxLineBytes = 4 * 1024 * 1024

	stdioKillGrace = 3 * time.Second
)

// stdioTransport runs the tool server as a child process and exchanges
// newline-delimited JSON-RPC frames over its stdin/stdout. Stderr is
// drained to the debug log so a crashing server leaves a trail.
type stdioTransport struct {
	cfg    Config
	log    *logger.StyledLogger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	nextID atomic.Int64

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[int64]chan *rpcResponse
	started bool
	closed  bool
	done    chan struct{}

	// procDone closes once the wait goroutine has reaped the child.
	// Wait may only be called once per process; Close blocks on this
	// instead of waiting itself.
	procDone chan struct{}
}

func newStdioTransport(cfg Config, log *logger.StyledLogger) *stdioTransport {
	return &stdioTransport{
		cfg:      cfg,
		log:      log,
		pending:  make(map[int64]chan *rpcResponse),
		done:     make(chan struct{}),
		procDone: make(chan struct{}),
	}
}

func (t *stdioTransport) Initialize(ctx context.Context) error {
	if err := t.start(ctx); err != nil {
		return err
	}
	return doInitialize(ctx, t, version.Version)
}

func (t *stdioTransport) start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	go t.readLoop(stdout)
	go t.drainStderr(stderr)
	go func() {
		_ = cmd.Wait()
		close(t.procDone)
		t.failPending(errors.New("server process exited"))
	}()

	t.log.Debug("stdio transport started",
		"server", t.cfg.ServerName, "command", t.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

func (t *stdioTransport) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return doListTools(ctx, t)
}

func (t *stdioTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return doCallTool(ctx, t, name, args)
}

func (t *stdioTransport) Ping(ctx context.Context) error {
	return doPing(ctx, t)
}

func (t *stdioTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	frame, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	ch := make(chan *rpcResponse, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport closed")
	}
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	t.writeMu.Lock()
	_, err = t.stdin.Write(append(frame, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write to %s: %w", t.cfg.ServerName, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, errors.New("transport closed")
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.log.Debug("discarding unparseable frame", "server", t.cfg.ServerName, "error", err)
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
	t.failPending(errors.New("server stdout closed"))
}

func (t *stdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.log.Debug("server stderr", "server", t.cfg.ServerName, "line", scanner.Text())
	}
}

// failPending wakes every in-flight call with a closed transport; safe
// to invoke more than once.
func (t *stdioTransport) failPending(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
	t.pending = make(map[int64]chan *rpcResponse)
	t.log.Debug("stdio transport down", "server", t.cfg.ServerName, "cause", cause)
}

func (t *stdioTransport) Close() error {
	t.failPending(errors.New("closed"))

	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// Give the child a moment to exit on closed stdin before killing.
	select {
	case <-t.procDone:
	case <-time.After(stdioKillGrace):
		_ = cmd.Process.Kill()
		<-t.procDone
	}
	return nil
}

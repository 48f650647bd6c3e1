// Package pool owns transport lifecycles: connecting, health probing,
// and tearing down links to tool servers. Handles never escape the
// pool; the router re-queries on every invocation.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sevrin/gantry/internal/adapter/transport"
	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/internal/util"
)

const connectTimeout = 30 * time.Second

// dialler builds a transport for a server config; swapped out in tests.
type dialler func(cfg transport.Config, log *logger.StyledLogger) (transport.Transport, error)

type entry struct {
	transport transport.Transport
	conn      domain.Connection
	failures  int
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Pool implements ports.ConnectionPool.
type Pool struct {
	log      *logger.StyledLogger
	tokens   ports.TokenSource
	bus      ports.EventPublisher
	breakers ports.BreakerRegistry
	dial     dialler

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

func New(tokens ports.TokenSource, bus ports.EventPublisher, breakers ports.BreakerRegistry, log *logger.StyledLogger) *Pool {
	return &Pool{
		log:      log,
		tokens:   tokens,
		bus:      bus,
		breakers: breakers,
		dial:     transport.New,
		entries:  make(map[string]*entry),
	}
}

// Connect establishes the link for one server. Concurrent callers for
// the same server share a single dial; an existing healthy connection
// is reused as-is.
func (p *Pool) Connect(ctx context.Context, cfg *domain.ServerConfig) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return domain.ErrShuttingDown
	}
	if e, ok := p.entries[cfg.ID]; ok && e.conn.Status == domain.ConnectionConnected {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	_, err, _ := p.group.Do(cfg.ID, func() (any, error) {
		p.mu.RLock()
		if e, ok := p.entries[cfg.ID]; ok && e.conn.Status == domain.ConnectionConnected {
			p.mu.RUnlock()
			return nil, nil
		}
		p.mu.RUnlock()
		return nil, p.connect(ctx, cfg)
	})
	return err
}

func (p *Pool) connect(ctx context.Context, cfg *domain.ServerConfig) error {
	p.setStatus(cfg, domain.ConnectionConnecting, "")

	headers, err := p.tokens.Headers(ctx, cfg)
	if err != nil {
		p.setStatus(cfg, domain.ConnectionError, err.Error())
		p.publishError(cfg, err)
		return err
	}

	tcfg := transport.Config{
		ServerName: cfg.Name,
		Kind:       cfg.Transport.Kind,
		Command:    cfg.Transport.Command,
		Args:       cfg.Transport.Args,
		Env:        cfg.Transport.Env,
		URL:        cfg.Transport.URL,
		Headers:    mergeHeaders(cfg.Transport.Headers, headers),
	}

	tr, err := p.dial(tcfg, p.log)
	if err != nil {
		p.setStatus(cfg, domain.ConnectionError, err.Error())
		p.publishError(cfg, err)
		return &domain.ConnectError{ServerName: cfg.Name, Err: err}
	}

	initCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := tr.Initialize(initCtx); err != nil {
		_ = tr.Close()
		p.setStatus(cfg, domain.ConnectionError, err.Error())
		p.publishError(cfg, err)
		return &domain.ConnectError{ServerName: cfg.Name, Err: err}
	}

	now := time.Now().UTC()
	e := &entry{
		transport: tr,
		conn: domain.Connection{
			ServerID:    cfg.ID,
			ServerName:  cfg.Name,
			Status:      domain.ConnectionConnected,
			ConnectedAt: now,
		},
		stopCh: make(chan struct{}),
	}

	p.mu.Lock()
	if old, ok := p.entries[cfg.ID]; ok && old.transport != nil && old.transport != tr {
		old.stop()
	}
	p.entries[cfg.ID] = e
	p.mu.Unlock()

	hc := cfg.HealthCheck
	if hc.Enabled {
		hc.Normalise()
		e.wg.Add(1)
		go p.healthLoop(e, cfg, hc)
	}

	p.log.InfoConnectionStatus("Server", cfg.Name, domain.ConnectionConnected,
		"server_id", cfg.ID, "transport", string(cfg.Transport.Kind))
	p.bus.Publish(domain.NewEvent(domain.EventServerConnected, cfg.ID, map[string]any{
		"serverName": cfg.Name,
	}))
	return nil
}

// Disconnect tears the link down and forgets the entry. Unknown servers
// are a no-op.
func (p *Pool) Disconnect(ctx context.Context, serverID string) error {
	p.mu.Lock()
	e, ok := p.entries[serverID]
	if ok {
		delete(p.entries, serverID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	e.stop()
	e.wg.Wait()

	p.bus.Publish(domain.NewEvent(domain.EventServerDisconnected, serverID, map[string]any{
		"serverName": e.conn.ServerName,
	}))
	p.log.InfoConnectionStatus("Server", e.conn.ServerName, domain.ConnectionDisconnected, "server_id", serverID)
	return nil
}

// Client returns the live handle for a connected server.
func (p *Pool) Client(serverID string) (ports.ToolClient, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[serverID]
	if !ok || e.conn.Status != domain.ConnectionConnected {
		return nil, false
	}
	return e.transport, true
}

func (p *Pool) ConnectionStatus(serverID string) (domain.Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[serverID]
	if !ok {
		return domain.Connection{}, false
	}
	return e.conn, true
}

func (p *Pool) AllConnections() []domain.Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conns := make([]domain.Connection, 0, len(p.entries))
	for _, e := range p.entries {
		conns = append(conns, e.conn)
	}
	return conns
}

// Shutdown closes every connection. The pool refuses new connects after
// this returns.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	entries := make([]*entry, 0, len(p.entries))
	for id, e := range p.entries {
		entries = append(entries, e)
		delete(p.entries, id)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.stop()
	}
	done := make(chan struct{})
	go func() {
		for _, e := range entries {
			e.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// healthLoop pings the server on its configured interval. Failures back
// off exponentially and flip the connection to error; the first
// successful probe flips it back.
func (p *Pool) healthLoop(e *entry, cfg *domain.ServerConfig, hc domain.HealthCheckConfig) {
	defer e.wg.Done()

	interval := hc.Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), hc.Timeout)
		err := e.transport.Ping(ctx)
		cancel()

		now := time.Now().UTC()
		p.mu.Lock()
		e.conn.LastHealthCheck = now
		if err != nil {
			e.failures++
			e.conn.Status = domain.ConnectionError
			e.conn.LastError = err.Error()
		} else {
			recovered := e.failures > 0
			e.failures = 0
			e.conn.Status = domain.ConnectionConnected
			e.conn.LastError = ""
			if recovered {
				p.log.InfoWithServer("Health restored for", cfg.Name)
			}
		}
		failures := e.failures
		p.mu.Unlock()

		if err != nil {
			p.log.WarnWithServer("Health check failed for", cfg.Name,
				"error", err.Error(), "consecutive_failures", failures)
			// A failed probe counts against the server's circuit the
			// same as a failed invocation.
			p.breakers.Get(cfg.ID).RecordFailure()
			if failures == 1 {
				p.publishError(cfg, fmt.Errorf("health check failed: %w", err))
			}
			interval = util.CalculateHealthCheckBackoff(hc.Interval, 1<<min(failures-1, 5))
		} else {
			interval = hc.Interval
		}
		timer.Reset(interval)
	}
}

func (p *Pool) setStatus(cfg *domain.ServerConfig, status domain.ConnectionStatus, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[cfg.ID]
	if !ok {
		e = &entry{conn: domain.Connection{ServerID: cfg.ID, ServerName: cfg.Name}, stopCh: make(chan struct{})}
		p.entries[cfg.ID] = e
	}
	e.conn.Status = status
	e.conn.LastError = errMsg
}

func (p *Pool) publishError(cfg *domain.ServerConfig, err error) {
	p.bus.Publish(domain.NewEvent(domain.EventServerError, cfg.ID, map[string]any{
		"serverName": cfg.Name,
		"error":      err.Error(),
	}))
}

func (e *entry) stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	if e.transport != nil {
		_ = e.transport.Close()
	}
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

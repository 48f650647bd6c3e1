package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/theme"
)

// --- fakes -----------------------------------------------------------

type fakeServers struct {
	configs map[string]*domain.ServerConfig
}

func (f *fakeServers) Create(ctx context.Context, cfg *domain.ServerConfig) error { return nil }
func (f *fakeServers) Get(ctx context.Context, id string) (*domain.ServerConfig, error) {
	cfg, ok := f.configs[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "server", Name: id}
	}
	return cfg, nil
}
func (f *fakeServers) GetByName(ctx context.Context, name string) (*domain.ServerConfig, error) {
	return nil, &domain.NotFoundError{Kind: "server", Name: name}
}
func (f *fakeServers) List(ctx context.Context) ([]*domain.ServerConfig, error) { return nil, nil }
func (f *fakeServers) Update(ctx context.Context, cfg *domain.ServerConfig) error {
	return nil
}
func (f *fakeServers) Delete(ctx context.Context, id string) error                 { return nil }
func (f *fakeServers) SetEnabled(ctx context.Context, id string, on bool) error    { return nil }

type fakeRegistry struct {
	entries map[string]*domain.ToolEntry
	usage   map[string]int
	mu      sync.Mutex
}

func (f *fakeRegistry) RegisterServerTools(cfg *domain.ServerConfig, tools []domain.ToolDescriptor) []*domain.ToolEntry {
	return nil
}
func (f *fakeRegistry) UnregisterServer(serverID string) int { return 0 }
func (f *fakeRegistry) Find(name string) (*domain.ToolEntry, bool) {
	if e, ok := f.entries[name]; ok {
		return e, true
	}
	for qualified, e := range f.entries {
		if strings.HasSuffix(qualified, "/"+name) {
			return e, true
		}
	}
	return nil, false
}
func (f *fakeRegistry) List() []*domain.ToolEntry                   { return nil }
func (f *fakeRegistry) ListByServer(serverID string) []*domain.ToolEntry { return nil }
func (f *fakeRegistry) Search(query string) []*domain.ToolEntry     { return nil }
func (f *fakeRegistry) Categories() map[string]int                  { return nil }
func (f *fakeRegistry) RecordUsage(qualifiedName string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usage == nil {
		f.usage = make(map[string]int)
	}
	f.usage[qualifiedName]++
}
func (f *fakeRegistry) used(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[name]
}

type fakeBreaker struct {
	mu            sync.Mutex
	open          bool
	retry         time.Duration
	successes     int
	failures      int
	cancellations int
}

func (b *fakeBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}
func (b *fakeBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
}
func (b *fakeBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
}
func (b *fakeBreaker) RecordCancellation() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancellations++
}
func (b *fakeBreaker) ForceOpen()  {}
func (b *fakeBreaker) ForceClose() {}
func (b *fakeBreaker) State() domain.BreakerState {
	if b.open {
		return domain.BreakerOpen
	}
	return domain.BreakerClosed
}
func (b *fakeBreaker) TimeUntilRetry() time.Duration   { return b.retry }
func (b *fakeBreaker) Snapshot() domain.BreakerSnapshot { return domain.BreakerSnapshot{} }

type fakeBreakerRegistry struct {
	breakers map[string]*fakeBreaker
}

func (r *fakeBreakerRegistry) Get(serverID string) ports.Breaker {
	if b, ok := r.breakers[serverID]; ok {
		return b
	}
	b := &fakeBreaker{}
	r.breakers[serverID] = b
	return b
}
func (r *fakeBreakerRegistry) Snapshots() []domain.BreakerSnapshot { return nil }

type fakeLimiter struct {
	mu     sync.Mutex
	deny   bool
	checks []string
}

func (l *fakeLimiter) Check(ctx context.Context, apiKeyID, serverID string, cfg domain.RateLimitConfig) (domain.RateLimitResult, error) {
	l.mu.Lock()
	l.checks = append(l.checks, apiKeyID)
	deny := l.deny
	l.mu.Unlock()
	if deny {
		return domain.RateLimitResult{
			Allowed:       false,
			MinuteResetAt: time.Now().Add(30 * time.Second),
			DayResetAt:    time.Now().Add(time.Hour),
			RetryAfter:    30 * time.Second,
		}, nil
	}
	return domain.RateLimitResult{
		Allowed:         true,
		MinuteRemaining: 9,
		MinuteResetAt:   time.Now().Add(30 * time.Second),
		DayRemaining:    99,
		DayResetAt:      time.Now().Add(time.Hour),
	}, nil
}
func (l *fakeLimiter) Reset(ctx context.Context, apiKeyID, serverID string) error { return nil }
func (l *fakeLimiter) Close(ctx context.Context) error                            { return nil }

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	sets    int
}

func cacheTestKey(serverID, toolName string) string { return serverID + "/" + toolName }

func (c *fakeCache) Get(ctx context.Context, cacheType, serverID, toolName string, params map[string]any) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[cacheTestKey(serverID, toolName)]
	return data, ok
}
func (c *fakeCache) Set(ctx context.Context, cacheType, serverID, toolName string, params map[string]any, response json.RawMessage, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]json.RawMessage)
	}
	c.entries[cacheTestKey(serverID, toolName)] = response
	c.sets++
	return nil
}
func (c *fakeCache) Invalidate(ctx context.Context, filter domain.CacheInvalidation) (int64, error) {
	return 0, nil
}
func (c *fakeCache) Stats() domain.CacheStats          { return domain.CacheStats{} }
func (c *fakeCache) Close(ctx context.Context) error   { return nil }

type fakeClient struct {
	response json.RawMessage
	err      error
	delay    time.Duration
	mu       sync.Mutex
	calls    []string
}

func (c *fakeClient) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return nil, nil
}
func (c *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.response, c.err
}
func (c *fakeClient) Ping(ctx context.Context) error { return nil }

type fakePool struct {
	clients map[string]*fakeClient
}

func (p *fakePool) Connect(ctx context.Context, cfg *domain.ServerConfig) error { return nil }
func (p *fakePool) Disconnect(ctx context.Context, serverID string) error       { return nil }
func (p *fakePool) Client(serverID string) (ports.ToolClient, bool) {
	c, ok := p.clients[serverID]
	return c, ok
}
func (p *fakePool) ConnectionStatus(serverID string) (domain.Connection, bool) {
	return domain.Connection{}, false
}
func (p *fakePool) AllConnections() []domain.Connection { return nil }
func (p *fakePool) Shutdown(ctx context.Context) error  { return nil }

type captureBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *captureBus) Publish(ev domain.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return 1
}
func (b *captureBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

// --- harness ---------------------------------------------------------

type harness struct {
	router   *Router
	servers  *fakeServers
	registry *fakeRegistry
	breakers *fakeBreakerRegistry
	limiter  *fakeLimiter
	cache    *fakeCache
	pool     *fakePool
	bus      *captureBus
}

func testLogger() *logger.StyledLogger {
	log, _, _, err := logger.NewWithTheme(&logger.Config{Level: "error"})
	if err != nil {
		panic(err)
	}
	return logger.NewStyledLogger(log, theme.Default())
}

func newHarness() *harness {
	cfg := &domain.ServerConfig{
		ID:   "s1",
		Name: "files",
		Metadata: domain.ServerMetadata{
			CacheTTL: time.Minute,
		},
		HealthCheck: domain.HealthCheckConfig{Timeout: 100 * time.Millisecond},
	}

	h := &harness{
		servers: &fakeServers{configs: map[string]*domain.ServerConfig{"s1": cfg}},
		registry: &fakeRegistry{entries: map[string]*domain.ToolEntry{
			"files/read": {
				QualifiedName: "files/read",
				Name:          "read",
				ServerID:      "s1",
				ServerName:    "files",
			},
		}},
		breakers: &fakeBreakerRegistry{breakers: make(map[string]*fakeBreaker)},
		limiter:  &fakeLimiter{},
		cache:    &fakeCache{},
		pool: &fakePool{clients: map[string]*fakeClient{
			"s1": {response: json.RawMessage(`{"content":"hello"}`)},
		}},
		bus: &captureBus{},
	}
	h.router = NewRouter(h.servers, h.registry, h.breakers, h.limiter, h.cache, h.pool, h.bus, nil, Options{}, testLogger())
	return h
}

// --- tests -----------------------------------------------------------

func TestInvokeSuccess(t *testing.T) {
	h := newHarness()

	res := h.router.Invoke(context.Background(), "files/read", map[string]any{"path": "/x"}, "caller-1")

	assert.True(t, res.Success)
	assert.Equal(t, "s1", res.ServerID)
	assert.Equal(t, "files/read", res.ToolName)
	assert.JSONEq(t, `{"content":"hello"}`, string(res.Data))
	assert.False(t, res.Cached)
	require.NotNil(t, res.RateLimit)
	assert.Equal(t, 9, res.RateLimit.Remaining)

	assert.Equal(t, 1, h.breakers.breakers["s1"].successes)
	assert.Equal(t, 1, h.registry.used("files/read"))
	assert.Equal(t, 1, h.cache.sets, "successful result is cached")
	assert.Contains(t, h.bus.types(), domain.EventToolInvoked)

	// Downstream sees the short name, not the qualified one.
	assert.Equal(t, []string{"read"}, h.pool.clients["s1"].calls)
}

func TestInvokeShortNameResolves(t *testing.T) {
	h := newHarness()
	res := h.router.Invoke(context.Background(), "read", nil, "")
	assert.True(t, res.Success)
	assert.Equal(t, "files/read", res.ToolName)
}

func TestInvokeUnknownTool(t *testing.T) {
	h := newHarness()
	res := h.router.Invoke(context.Background(), "ghost", nil, "")
	assert.False(t, res.Success)
	assert.Equal(t, "Tool not found: ghost", res.Error)
	assert.Equal(t, "ghost", res.ToolName)
	assert.Empty(t, res.ServerID)
}

func TestInvokeCircuitOpen(t *testing.T) {
	h := newHarness()
	h.breakers.breakers["s1"] = &fakeBreaker{open: true, retry: 42 * time.Second}

	res := h.router.Invoke(context.Background(), "files/read", nil, "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "circuit open for files")
	require.NotNil(t, res.CircuitBreaker)
	assert.Equal(t, domain.BreakerOpen, res.CircuitBreaker.State)
	assert.Equal(t, int64(42000), res.CircuitBreaker.RetryAfterMs)

	// No downstream call, no limiter spend.
	assert.Empty(t, h.limiter.checks)
}

func TestInvokeRateLimited(t *testing.T) {
	h := newHarness()
	h.limiter.deny = true

	res := h.router.Invoke(context.Background(), "files/read", nil, "caller-1")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "rate limit exceeded")
	require.NotNil(t, res.RateLimit)
	assert.Empty(t, h.pool.clients["s1"].calls, "rate-limited call never dispatches")
}

func TestInvokeAnonymousFallsBackToServerBucket(t *testing.T) {
	h := newHarness()
	h.router.Invoke(context.Background(), "files/read", nil, "")
	require.Len(t, h.limiter.checks, 1)
	assert.Equal(t, "server:s1", h.limiter.checks[0])
}

func TestInvokeCacheHit(t *testing.T) {
	h := newHarness()
	h.cache.entries = map[string]json.RawMessage{
		cacheTestKey("s1", "read"): json.RawMessage(`{"cached":"yes"}`),
	}

	res := h.router.Invoke(context.Background(), "files/read", nil, "caller-1")
	assert.True(t, res.Success)
	assert.True(t, res.Cached)
	assert.JSONEq(t, `{"cached":"yes"}`, string(res.Data))

	assert.Equal(t, 1, h.breakers.breakers["s1"].successes, "cache hit still records success")
	assert.Equal(t, 1, h.registry.used("files/read"))
	assert.Empty(t, h.pool.clients["s1"].calls, "cache hit skips the downstream")
	assert.Len(t, h.limiter.checks, 1, "cache hit still consumes a token")
}

func TestInvokeNotConnected(t *testing.T) {
	h := newHarness()
	h.pool.clients = map[string]*fakeClient{}

	res := h.router.Invoke(context.Background(), "files/read", nil, "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not connected")
	assert.Zero(t, h.breakers.breakers["s1"].failures, "missing connection must not trip the breaker")
}

func TestInvokeDownstreamFailure(t *testing.T) {
	h := newHarness()
	h.pool.clients["s1"].err = errors.New("tool exploded")
	h.pool.clients["s1"].response = nil

	res := h.router.Invoke(context.Background(), "files/read", nil, "caller-1")
	assert.False(t, res.Success)
	assert.Equal(t, "tool exploded", res.Error)
	assert.Equal(t, 1, h.breakers.breakers["s1"].failures)
	assert.Zero(t, h.cache.sets, "failures are not cached")

	types := h.bus.types()
	assert.Contains(t, types, domain.EventToolError)
	assert.Contains(t, types, domain.EventToolInvoked)
}

func TestInvokeTimeout(t *testing.T) {
	h := newHarness()
	h.pool.clients["s1"].delay = time.Second // server deadline = 100ms * 4 = 400ms

	res := h.router.Invoke(context.Background(), "files/read", nil, "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out after")
	assert.Equal(t, 1, h.breakers.breakers["s1"].failures, "timeouts count toward the breaker")
}

func TestInvokeCallerCancellation(t *testing.T) {
	h := newHarness()
	h.pool.clients["s1"].delay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := h.router.Invoke(ctx, "files/read", nil, "")
	assert.False(t, res.Success)
	b := h.breakers.breakers["s1"]
	assert.Zero(t, b.failures, "caller cancellation is not a downstream failure")
	assert.Equal(t, 1, b.cancellations)
}

func TestInvokeDurationAlwaysSet(t *testing.T) {
	h := newHarness()
	res := h.router.Invoke(context.Background(), "ghost", nil, "")
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}

func TestInvokeBatchPreservesOrder(t *testing.T) {
	h := newHarness()

	reqs := []domain.InvocationRequest{
		{ToolName: "files/read", Params: map[string]any{"n": 1}},
		{ToolName: "ghost"},
		{ToolName: "read", Params: map[string]any{"n": 2}},
	}

	results := h.router.InvokeBatch(context.Background(), reqs, "caller-1")
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "Tool not found")
	assert.True(t, results[2].Success)
}

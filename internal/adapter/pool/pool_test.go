package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevrin/gantry/internal/adapter/transport"
	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/theme"
)

type fakeTransport struct {
	initErr   error
	pingErr   atomic.Value // error
	initCount atomic.Int64
	pingCount atomic.Int64
	closed    atomic.Bool
}

func (f *fakeTransport) Initialize(ctx context.Context) error {
	f.initCount.Add(1)
	return f.initErr
}

func (f *fakeTransport) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return nil, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.pingCount.Add(1)
	if err, ok := f.pingErr.Load().(error); ok && err != nil {
		return err
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

type staticTokens struct{}

func (staticTokens) Headers(ctx context.Context, cfg *domain.ServerConfig) (map[string]string, error) {
	return nil, nil
}
func (staticTokens) Invalidate(serverID string) {}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(ev domain.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return 1
}

func (b *recordingBus) typesSeen() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]domain.EventType, 0, len(b.events))
	for _, ev := range b.events {
		types = append(types, ev.Type)
	}
	return types
}

type fakeBreaker struct {
	failures  atomic.Int64
	successes atomic.Int64
}

func (b *fakeBreaker) CanExecute() bool                      { return true }
func (b *fakeBreaker) RecordSuccess()                        { b.successes.Add(1) }
func (b *fakeBreaker) RecordFailure()                        { b.failures.Add(1) }
func (b *fakeBreaker) RecordCancellation()                   {}
func (b *fakeBreaker) ForceOpen()                            {}
func (b *fakeBreaker) ForceClose()                           {}
func (b *fakeBreaker) State() domain.BreakerState            { return domain.BreakerClosed }
func (b *fakeBreaker) TimeUntilRetry() time.Duration         { return 0 }
func (b *fakeBreaker) Snapshot() domain.BreakerSnapshot      { return domain.BreakerSnapshot{} }

type fakeBreakers struct {
	mu       sync.Mutex
	breakers map[string]*fakeBreaker
}

func newFakeBreakers() *fakeBreakers {
	return &fakeBreakers{breakers: make(map[string]*fakeBreaker)}
}

func (r *fakeBreakers) Get(serverID string) ports.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[serverID]
	if !ok {
		b = &fakeBreaker{}
		r.breakers[serverID] = b
	}
	return b
}

func (r *fakeBreakers) Snapshots() []domain.BreakerSnapshot { return nil }

func (r *fakeBreakers) failureCount(serverID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[serverID]; ok {
		return b.failures.Load()
	}
	return 0
}

func testLogger() *logger.StyledLogger {
	log, _, _, err := logger.NewWithTheme(&logger.Config{Level: "error"})
	if err != nil {
		panic(err)
	}
	return logger.NewStyledLogger(log, theme.Default())
}

func serverConfig(id, name string) *domain.ServerConfig {
	return &domain.ServerConfig{
		ID:   id,
		Name: name,
		Transport: domain.TransportConfig{
			Kind:    domain.TransportStdio,
			Command: "tool-server",
		},
		Enabled: true,
	}
}

func newTestPool(t *testing.T, tr *fakeTransport) (*Pool, *recordingBus, *fakeBreakers) {
	t.Helper()
	bus := &recordingBus{}
	breakers := newFakeBreakers()
	p := New(staticTokens{}, bus, breakers, testLogger())
	p.dial = func(cfg transport.Config, log *logger.StyledLogger) (transport.Transport, error) {
		return tr, nil
	}
	return p, bus, breakers
}

func TestConnectPublishesConnectedEvent(t *testing.T) {
	tr := &fakeTransport{}
	p, bus, _ := newTestPool(t, tr)

	cfg := serverConfig("srv-1", "files")
	require.NoError(t, p.Connect(context.Background(), cfg))

	conn, ok := p.ConnectionStatus("srv-1")
	require.True(t, ok)
	assert.Equal(t, domain.ConnectionConnected, conn.Status)
	assert.Equal(t, "files", conn.ServerName)
	assert.False(t, conn.ConnectedAt.IsZero())

	assert.Contains(t, bus.typesSeen(), domain.EventServerConnected)
	assert.Equal(t, int64(1), tr.initCount.Load())
}

func TestConnectIsIdempotentWhileConnected(t *testing.T) {
	tr := &fakeTransport{}
	p, _, _ := newTestPool(t, tr)

	cfg := serverConfig("srv-1", "files")
	require.NoError(t, p.Connect(context.Background(), cfg))
	require.NoError(t, p.Connect(context.Background(), cfg))

	assert.Equal(t, int64(1), tr.initCount.Load(), "second connect must reuse the link")
}

func TestConnectInitialiseFailure(t *testing.T) {
	tr := &fakeTransport{initErr: errors.New("handshake refused")}
	p, bus, _ := newTestPool(t, tr)

	cfg := serverConfig("srv-1", "files")
	err := p.Connect(context.Background(), cfg)
	require.Error(t, err)

	var connErr *domain.ConnectError
	assert.ErrorAs(t, err, &connErr)

	conn, ok := p.ConnectionStatus("srv-1")
	require.True(t, ok)
	assert.Equal(t, domain.ConnectionError, conn.Status)
	assert.Contains(t, conn.LastError, "handshake refused")
	assert.Contains(t, bus.typesSeen(), domain.EventServerError)
	assert.True(t, tr.closed.Load(), "failed transport must be closed")
}

func TestClientOnlyForConnected(t *testing.T) {
	tr := &fakeTransport{}
	p, _, _ := newTestPool(t, tr)

	_, ok := p.Client("srv-1")
	assert.False(t, ok)

	require.NoError(t, p.Connect(context.Background(), serverConfig("srv-1", "files")))
	client, ok := p.Client("srv-1")
	require.True(t, ok)
	assert.NotNil(t, client)
}

func TestDisconnect(t *testing.T) {
	tr := &fakeTransport{}
	p, bus, _ := newTestPool(t, tr)

	require.NoError(t, p.Connect(context.Background(), serverConfig("srv-1", "files")))
	require.NoError(t, p.Disconnect(context.Background(), "srv-1"))

	_, ok := p.Client("srv-1")
	assert.False(t, ok)
	assert.True(t, tr.closed.Load())
	assert.Contains(t, bus.typesSeen(), domain.EventServerDisconnected)

	// Disconnecting an unknown server is not an error.
	assert.NoError(t, p.Disconnect(context.Background(), "missing"))
}

func TestHealthLoopFlipsStatus(t *testing.T) {
	tr := &fakeTransport{}
	p, bus, _ := newTestPool(t, tr)

	cfg := serverConfig("srv-1", "files")
	cfg.HealthCheck = domain.HealthCheckConfig{
		Enabled:  true,
		Interval: time.Second,
		Timeout:  100 * time.Millisecond,
	}
	// Normalise clamps to 1s minimum so the test drives the probe by
	// waiting a touch over one interval.
	require.NoError(t, p.Connect(context.Background(), cfg))

	tr.pingErr.Store(errors.New("gone away"))
	require.Eventually(t, func() bool {
		conn, _ := p.ConnectionStatus("srv-1")
		return conn.Status == domain.ConnectionError
	}, 3*time.Second, 50*time.Millisecond)

	conn, _ := p.ConnectionStatus("srv-1")
	assert.Contains(t, conn.LastError, "gone away")
	assert.False(t, conn.LastHealthCheck.IsZero())
	assert.Contains(t, bus.typesSeen(), domain.EventServerError)

	require.NoError(t, p.Disconnect(context.Background(), "srv-1"))
}

func TestHealthFailureRecordedOnBreaker(t *testing.T) {
	tr := &fakeTransport{}
	p, _, breakers := newTestPool(t, tr)

	cfg := serverConfig("srv-1", "files")
	cfg.HealthCheck = domain.HealthCheckConfig{
		Enabled:  true,
		Interval: time.Second,
		Timeout:  100 * time.Millisecond,
	}
	require.NoError(t, p.Connect(context.Background(), cfg))

	tr.pingErr.Store(errors.New("gone away"))
	require.Eventually(t, func() bool {
		return breakers.failureCount("srv-1") > 0
	}, 3*time.Second, 50*time.Millisecond, "failed health checks must count against the circuit")

	require.NoError(t, p.Disconnect(context.Background(), "srv-1"))
}

func TestShutdownClosesEverything(t *testing.T) {
	tr1 := &fakeTransport{}
	tr2 := &fakeTransport{}
	transports := []*fakeTransport{tr1, tr2}
	var next atomic.Int64

	bus := &recordingBus{}
	p := New(staticTokens{}, bus, newFakeBreakers(), testLogger())
	p.dial = func(cfg transport.Config, log *logger.StyledLogger) (transport.Transport, error) {
		return transports[next.Add(1)-1], nil
	}

	require.NoError(t, p.Connect(context.Background(), serverConfig("srv-1", "files")))
	require.NoError(t, p.Connect(context.Background(), serverConfig("srv-2", "search")))

	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, tr1.closed.Load())
	assert.True(t, tr2.closed.Load())
	assert.Empty(t, p.AllConnections())

	err := p.Connect(context.Background(), serverConfig("srv-3", "late"))
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sevrin/gantry/internal/config"
	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/theme"
)

func testLogger() *logger.StyledLogger {
	log, _, _, err := logger.NewWithTheme(&logger.Config{Level: "error"})
	if err != nil {
		panic(err)
	}
	return logger.NewStyledLogger(log, theme.Default())
}

type fakeRouter struct {
	mu      sync.Mutex
	result  domain.InvocationResult
	invoked []string
	callers []string
}

func (f *fakeRouter) Invoke(_ context.Context, toolName string, _ map[string]any, callerID string) domain.InvocationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, toolName)
	f.callers = append(f.callers, callerID)
	res := f.result
	res.ToolName = toolName
	return res
}

func (f *fakeRouter) InvokeBatch(ctx context.Context, reqs []domain.InvocationRequest, callerID string) []domain.InvocationResult {
	out := make([]domain.InvocationResult, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, f.Invoke(ctx, req.ToolName, req.Params, callerID))
	}
	return out
}

type fakeTools struct {
	entries []*domain.ToolEntry
}

func (f *fakeTools) RegisterServerTools(*domain.ServerConfig, []domain.ToolDescriptor) []*domain.ToolEntry {
	return nil
}
func (f *fakeTools) UnregisterServer(string) int { return 0 }

func (f *fakeTools) Find(name string) (*domain.ToolEntry, bool) {
	for _, e := range f.entries {
		if e.QualifiedName == name {
			return e, true
		}
	}
	return nil, false
}

func (f *fakeTools) List() []*domain.ToolEntry { return f.entries }

func (f *fakeTools) ListByServer(serverID string) []*domain.ToolEntry {
	var out []*domain.ToolEntry
	for _, e := range f.entries {
		if e.ServerID == serverID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTools) Search(query string) []*domain.ToolEntry {
	var out []*domain.ToolEntry
	for _, e := range f.entries {
		if strings.Contains(e.Name, query) {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTools) Categories() map[string]int {
	out := make(map[string]int)
	for _, e := range f.entries {
		out[e.Category]++
	}
	return out
}

func (f *fakeTools) RecordUsage(string, time.Time) {}

type fakePool struct {
	conns map[string]domain.Connection
}

func (f *fakePool) Connect(context.Context, *domain.ServerConfig) error { return nil }
func (f *fakePool) Disconnect(context.Context, string) error            { return nil }
func (f *fakePool) Client(string) (ports.ToolClient, bool)              { return nil, false }

func (f *fakePool) ConnectionStatus(serverID string) (domain.Connection, bool) {
	conn, ok := f.conns[serverID]
	return conn, ok
}

func (f *fakePool) AllConnections() []domain.Connection {
	out := make([]domain.Connection, 0, len(f.conns))
	for _, conn := range f.conns {
		out = append(out, conn)
	}
	return out
}

func (f *fakePool) Shutdown(context.Context) error { return nil }

type fakeServerStore struct {
	mu      sync.Mutex
	servers map[string]*domain.ServerConfig
	seq     int
}

func newFakeServerStore() *fakeServerStore {
	return &fakeServerStore{servers: make(map[string]*domain.ServerConfig)}
}

func (f *fakeServerStore) Create(_ context.Context, cfg *domain.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg.ID == "" {
		f.seq++
		cfg.ID = "srv-" + cfg.Name
	}
	cfg.CreatedAt = time.Now().UTC()
	clone := *cfg
	f.servers[cfg.ID] = &clone
	return nil
}

func (f *fakeServerStore) Get(_ context.Context, id string) (*domain.ServerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg, ok := f.servers[id]; ok {
		clone := *cfg
		return &clone, nil
	}
	return nil, &domain.NotFoundError{Kind: "server", Name: id}
}

func (f *fakeServerStore) GetByName(_ context.Context, name string) (*domain.ServerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cfg := range f.servers {
		if cfg.Name == name {
			clone := *cfg
			return &clone, nil
		}
	}
	return nil, &domain.NotFoundError{Kind: "server", Name: name}
}

func (f *fakeServerStore) List(context.Context) ([]*domain.ServerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.ServerConfig, 0, len(f.servers))
	for _, cfg := range f.servers {
		clone := *cfg
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeServerStore) Update(_ context.Context, cfg *domain.ServerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[cfg.ID]; !ok {
		return &domain.NotFoundError{Kind: "server", Name: cfg.ID}
	}
	clone := *cfg
	f.servers[cfg.ID] = &clone
	return nil
}

func (f *fakeServerStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[id]; !ok {
		return &domain.NotFoundError{Kind: "server", Name: id}
	}
	delete(f.servers, id)
	return nil
}

func (f *fakeServerStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.servers[id]
	if !ok {
		return &domain.NotFoundError{Kind: "server", Name: id}
	}
	cfg.Enabled = enabled
	return nil
}

type fakeWebhookStore struct {
	mu         sync.Mutex
	subs       map[string]*domain.WebhookSubscription
	deliveries map[string][]*domain.DeliveryRecord
	seq        int
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{
		subs:       make(map[string]*domain.WebhookSubscription),
		deliveries: make(map[string][]*domain.DeliveryRecord),
	}
}

func (f *fakeWebhookStore) CreateSubscription(_ context.Context, sub *domain.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.ID == "" {
		f.seq++
		sub.ID = "wh-" + strconv.Itoa(f.seq)
	}
	clone := *sub
	f.subs[sub.ID] = &clone
	return nil
}

func (f *fakeWebhookStore) GetSubscription(_ context.Context, id string) (*domain.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		clone := *sub
		return &clone, nil
	}
	return nil, &domain.NotFoundError{Kind: "webhook", Name: id}
}

func (f *fakeWebhookStore) ListSubscriptions(context.Context) ([]*domain.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.WebhookSubscription, 0, len(f.subs))
	for _, sub := range f.subs {
		clone := *sub
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeWebhookStore) DeleteSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}

func (f *fakeWebhookStore) RecordDelivery(_ context.Context, rec *domain.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries[rec.SubscriptionID] = append(f.deliveries[rec.SubscriptionID], rec)
	return nil
}

func (f *fakeWebhookStore) ListDeliveries(_ context.Context, subscriptionID string, limit int) ([]*domain.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.deliveries[subscriptionID]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeBus) Publish(ev domain.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return 1
}

func (f *fakeBus) published() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event(nil), f.events...)
}

type fakeUsage struct {
	mu     sync.Mutex
	audits []string
}

func (f *fakeUsage) RecordUsage(context.Context, string, string, string, int64, bool) error {
	return nil
}

func (f *fakeUsage) RecordAudit(_ context.Context, _, action, subject, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, action+":"+subject)
	return nil
}

type fakeController struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	connectErr   error
}

func (f *fakeController) ConnectServer(_ context.Context, cfg *domain.ServerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = append(f.connected, cfg.ID)
	return nil
}

func (f *fakeController) DisconnectServer(_ context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, serverID)
	return nil
}

type fakeTester struct {
	rec *domain.DeliveryRecord
	err error
}

func (f *fakeTester) TestDelivery(context.Context, *domain.WebhookSubscription) (*domain.DeliveryRecord, error) {
	return f.rec, f.err
}

// testEnv bundles the application, its fakes and a wired mux.
type testEnv struct {
	app        *Application
	mux        *http.ServeMux
	router     *fakeRouter
	tools      *fakeTools
	pool       *fakePool
	servers    *fakeServerStore
	webhooks   *fakeWebhookStore
	bus        *fakeBus
	usage      *fakeUsage
	controller *fakeController
	tester     *fakeTester
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		router:     &fakeRouter{},
		tools:      &fakeTools{},
		pool:       &fakePool{conns: make(map[string]domain.Connection)},
		servers:    newFakeServerStore(),
		webhooks:   newFakeWebhookStore(),
		bus:        &fakeBus{},
		usage:      &fakeUsage{},
		controller: &fakeController{},
		tester:     &fakeTester{},
	}

	env.app = NewApplication(config.DefaultConfig(), Dependencies{
		Router:     env.router,
		Tools:      env.tools,
		Pool:       env.pool,
		Servers:    env.servers,
		Webhooks:   env.webhooks,
		Bus:        env.bus,
		Usage:      env.usage,
		Controller: env.controller,
		Tester:     env.tester,
	}, testLogger())

	env.app.RegisterRoutes()
	env.mux = http.NewServeMux()
	env.app.GetRouteRegistry().WireUp(env.mux)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

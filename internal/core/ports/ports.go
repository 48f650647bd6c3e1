// Package ports defines the seams between the gateway core and its
// adapters. Components accept these interfaces and return concrete
// structs; tests substitute fakes through the same seams.
package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
)

// ServerStore persists tool-server configurations.
type ServerStore interface {
	Create(ctx context.Context, cfg *domain.ServerConfig) error
	Get(ctx context.Context, id string) (*domain.ServerConfig, error)
	GetByName(ctx context.Context, name string) (*domain.ServerConfig, error)
	List(ctx context.Context) ([]*domain.ServerConfig, error)
	Update(ctx context.Context, cfg *domain.ServerConfig) error
	Delete(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// APIKeyStore resolves raw caller keys to identities.
type APIKeyStore interface {
	Lookup(ctx context.Context, rawKey string) (*domain.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// CacheStore is the persistent tier of the response cache.
type CacheStore interface {
	GetEntry(ctx context.Context, key string) (*domain.CacheEntry, error)
	UpsertEntry(ctx context.Context, entry *domain.CacheEntry) error
	BumpHit(ctx context.Context, key string, at time.Time) error
	DeleteMatching(ctx context.Context, filter domain.CacheInvalidation) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RateLimitStore persists fixed-window limiter state in batches.
type RateLimitStore interface {
	LoadState(ctx context.Context, apiKeyID, serverID string) (*domain.RateLimitState, error)
	UpsertStates(ctx context.Context, states []*domain.RateLimitState) error
	DeleteStates(ctx context.Context, apiKeyID, serverID string) error
}

// BreakerStore persists circuit breaker snapshots. State at rest is
// authoritative across restarts.
type BreakerStore interface {
	LoadBreaker(ctx context.Context, serverID string) (*domain.BreakerSnapshot, error)
	UpsertBreaker(ctx context.Context, snap *domain.BreakerSnapshot) error
}

// WebhookStore persists subscriptions and delivery history.
type WebhookStore interface {
	CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context) ([]*domain.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, rec *domain.DeliveryRecord) error
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*domain.DeliveryRecord, error)
}

// UsageStore records per-invocation accounting rows. Failures here are
// logged and swallowed; they never surface to callers.
type UsageStore interface {
	RecordUsage(ctx context.Context, apiKeyID, serverID, toolName string, durationMs int64, success bool) error
	RecordAudit(ctx context.Context, actor, action, subject, detail string) error
}

// TokenSource resolves auth material into outbound headers, refreshing
// OAuth2 tokens as needed.
type TokenSource interface {
	Headers(ctx context.Context, cfg *domain.ServerConfig) (map[string]string, error)
	Invalidate(serverID string)
}

// ToolClient is the live handle the pool hands to the router for one
// downstream call. Implemented by the transports.
type ToolClient interface {
	ListTools(ctx context.Context) ([]domain.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Ping(ctx context.Context) error
}

// ConnectionPool owns transport lifecycles. Handles never escape the
// pool's control: callers re-query on every invocation.
type ConnectionPool interface {
	Connect(ctx context.Context, cfg *domain.ServerConfig) error
	Disconnect(ctx context.Context, serverID string) error
	Client(serverID string) (ToolClient, bool)
	ConnectionStatus(serverID string) (domain.Connection, bool)
	AllConnections() []domain.Connection
	Shutdown(ctx context.Context) error
}

// ToolRegistry is the in-memory catalog of registered tools.
type ToolRegistry interface {
	RegisterServerTools(cfg *domain.ServerConfig, tools []domain.ToolDescriptor) []*domain.ToolEntry
	UnregisterServer(serverID string) int
	Find(name string) (*domain.ToolEntry, bool)
	List() []*domain.ToolEntry
	ListByServer(serverID string) []*domain.ToolEntry
	Search(query string) []*domain.ToolEntry
	Categories() map[string]int
	RecordUsage(qualifiedName string, at time.Time)
}

// ResponseCache is the two-tier idempotent response cache.
type ResponseCache interface {
	Get(ctx context.Context, cacheType, serverID, toolName string, params map[string]any) (json.RawMessage, bool)
	Set(ctx context.Context, cacheType, serverID, toolName string, params map[string]any, response json.RawMessage, ttl time.Duration) error
	Invalidate(ctx context.Context, filter domain.CacheInvalidation) (int64, error)
	Stats() domain.CacheStats
	Close(ctx context.Context) error
}

// RateLimiter enforces per-(caller, server) fixed windows.
type RateLimiter interface {
	Check(ctx context.Context, apiKeyID, serverID string, cfg domain.RateLimitConfig) (domain.RateLimitResult, error)
	Reset(ctx context.Context, apiKeyID, serverID string) error
	Close(ctx context.Context) error
}

// Breaker is one server's failure gate.
type Breaker interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
	RecordCancellation()
	ForceOpen()
	ForceClose()
	State() domain.BreakerState
	TimeUntilRetry() time.Duration
	Snapshot() domain.BreakerSnapshot
}

// BreakerRegistry lazily creates breakers per server, loading any
// persisted snapshot on first use.
type BreakerRegistry interface {
	Get(serverID string) Breaker
	Snapshots() []domain.BreakerSnapshot
}

// EventPublisher is the write side of the lifecycle event bus.
// Publication is non-blocking; slow subscribers drop.
type EventPublisher interface {
	Publish(ev domain.Event) int
}

// EventSubscriber is the read side. The returned channel is closed by
// the cleanup func or bus shutdown. Filters by type when types are
// given, otherwise receives everything.
type EventSubscriber interface {
	Subscribe(ctx context.Context, types ...domain.EventType) (<-chan domain.Event, func())
}

// EventBus combines both sides.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// Router orchestrates the invocation pipeline.
type Router interface {
	Invoke(ctx context.Context, toolName string, params map[string]any, callerID string) domain.InvocationResult
	InvokeBatch(ctx context.Context, reqs []domain.InvocationRequest, callerID string) []domain.InvocationResult
}

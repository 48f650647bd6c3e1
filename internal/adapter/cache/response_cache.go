// Package cache implements the two-tier idempotent response cache: a
// bounded in-memory LRU in front of the persistent store. Both tiers
// share one key namespace so invalidation stays coherent.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
)

const (
	// MemoryCapacity bounds the hot tier; the LRU evicts beyond it.
	MemoryCapacity = 1000

	// DefaultTTL applies when a server declares no cacheTtl.
	DefaultTTL = 5 * time.Minute

	purgeInterval = 5 * time.Minute

	// emptyParamsHash stands in for a hash when params are absent.
	emptyParamsHash = "none"
)

type memEntry struct {
	response  json.RawMessage
	expiresAt time.Time
}

// ResponseCache implements ports.ResponseCache.
type ResponseCache struct {
	log   *logger.StyledLogger
	store ports.CacheStore
	now   func() time.Time

	mu     sync.Mutex
	memory *lru.Cache[string, memEntry]

	memoryHits atomic.Int64
	dbHits     atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64

	stopCh    chan struct{}
	stopped   sync.Once
	purgeDone chan struct{}
}

func NewResponseCache(store ports.CacheStore, log *logger.StyledLogger) (*ResponseCache, error) {
	c := &ResponseCache{
		log:       log,
		store:     store,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		purgeDone: make(chan struct{}),
	}

	memory, err := lru.NewWithEvict[string, memEntry](MemoryCapacity, func(string, memEntry) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.memory = memory

	go c.purgeLoop()
	return c, nil
}

// CacheKey builds the shared key for both tiers.
func CacheKey(cacheType, serverID, toolName string, params map[string]any) string {
	return cacheType + ":" + serverID + ":" + toolName + ":" + ParamsHash(params)
}

// ParamsHash canonicalises params and returns the first 16 hex chars of
// their SHA-256. encoding/json sorts map keys, which gives a stable
// encoding for identical parameter sets.
func ParamsHash(params map[string]any) string {
	if len(params) == 0 {
		return emptyParamsHash
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return emptyParamsHash
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:16]
}

// Get looks the memory tier up first, then the persistent tier. A
// persistent hit is promoted into memory and its hit counter bumped off
// the hot path.
func (c *ResponseCache) Get(ctx context.Context, cacheType, serverID, toolName string, params map[string]any) (json.RawMessage, bool) {
	key := CacheKey(cacheType, serverID, toolName, params)
	now := c.now()

	c.mu.Lock()
	if entry, ok := c.memory.Get(key); ok {
		if now.Before(entry.expiresAt) {
			c.mu.Unlock()
			c.memoryHits.Add(1)
			return entry.response, true
		}
		c.memory.Remove(key)
	}
	c.mu.Unlock()

	stored, err := c.store.GetEntry(ctx, key)
	if err != nil || stored == nil || stored.Expired(now) {
		c.misses.Add(1)
		return nil, false
	}

	c.mu.Lock()
	c.memory.Add(key, memEntry{response: stored.ResponseJSON, expiresAt: stored.ExpiresAt})
	c.mu.Unlock()

	c.dbHits.Add(1)
	go func() {
		bumpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.BumpHit(bumpCtx, key, now); err != nil {
			c.log.Debug("cache hit counter bump failed", "key", key, "error", err)
		}
	}()

	return stored.ResponseJSON, true
}

// Set writes both tiers under the same deadline. Persistent failures
// are logged and swallowed; the memory tier alone still serves.
func (c *ResponseCache) Set(ctx context.Context, cacheType, serverID, toolName string, params map[string]any, response json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := CacheKey(cacheType, serverID, toolName, params)
	now := c.now()
	expiresAt := now.Add(ttl)

	c.mu.Lock()
	c.memory.Add(key, memEntry{response: response, expiresAt: expiresAt})
	c.mu.Unlock()

	entry := &domain.CacheEntry{
		Key:          key,
		CacheType:    cacheType,
		ServerID:     serverID,
		ToolName:     toolName,
		RequestHash:  ParamsHash(params),
		ResponseJSON: response,
		TTLSeconds:   int(ttl / time.Second),
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
	}
	if err := c.store.UpsertEntry(ctx, entry); err != nil {
		c.log.Warn("persistent cache write failed", "key", key, "error", err.Error())
	}
	return nil
}

// Invalidate removes matching persistent rows. Any deletion clears the
// whole memory tier: the hot tier carries no reverse index, and a stale
// survivor is worse than a cold cache.
func (c *ResponseCache) Invalidate(ctx context.Context, filter domain.CacheInvalidation) (int64, error) {
	deleted, err := c.store.DeleteMatching(ctx, filter)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		c.mu.Lock()
		c.memory.Purge()
		c.mu.Unlock()
	}
	return deleted, nil
}

func (c *ResponseCache) Stats() domain.CacheStats {
	c.mu.Lock()
	entries := c.memory.Len()
	c.mu.Unlock()
	return domain.CacheStats{
		MemoryEntries: entries,
		MemoryHits:    c.memoryHits.Load(),
		DBHits:        c.dbHits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
	}
}

// Close stops the purge loop and runs one final purge.
func (c *ResponseCache) Close(ctx context.Context) error {
	c.stopped.Do(func() {
		close(c.stopCh)
	})
	select {
	case <-c.purgeDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.purge(ctx)
	return nil
}

func (c *ResponseCache) purgeLoop() {
	defer close(c.purgeDone)
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			c.purge(ctx)
			cancel()
		}
	}
}

// purge drops expired entries from both tiers.
func (c *ResponseCache) purge(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	for _, key := range c.memory.Keys() {
		if entry, ok := c.memory.Peek(key); ok && !now.Before(entry.expiresAt) {
			c.memory.Remove(key)
		}
	}
	c.mu.Unlock()

	purged, err := c.store.PurgeExpired(ctx, now)
	if err != nil {
		c.log.Warn("persistent cache purge failed", "error", err.Error())
		return
	}
	if purged > 0 {
		c.log.Debug("purged expired cache entries", "count", purged)
	}
}

package domain

import "time"

// CacheEntry is one idempotent response, shared between the memory and
// persistent tiers. Key shape: "<type>:<serverId>:<toolName>:<paramsHash>".
type CacheEntry struct {
	Key          string     `json:"key" db:"cache_key"`
	CacheType    string     `json:"cacheType" db:"cache_type"`
	ServerID     string     `json:"serverId" db:"server_id"`
	ToolName     string     `json:"toolName" db:"tool_name"`
	RequestHash  string     `json:"requestHash" db:"request_hash"`
	ResponseJSON []byte     `json:"responseJson" db:"response_json"`
	TTLSeconds   int        `json:"ttlSeconds" db:"ttl_seconds"`
	ExpiresAt    time.Time  `json:"expiresAt" db:"expires_at"`
	HitCount     int64      `json:"hitCount" db:"hit_count"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	LastHitAt    *time.Time `json:"lastHitAt,omitempty" db:"last_hit_at"`
}

// Expired reports whether the entry is past its deadline. An expired
// memory hit must be treated as a miss.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheInvalidation selects persistent-tier entries to delete. Empty
// fields match everything.
type CacheInvalidation struct {
	ServerID  string
	CacheType string
	ToolName  string
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	MemoryEntries int   `json:"memoryEntries"`
	MemoryHits    int64 `json:"memoryHits"`
	DBHits        int64 `json:"dbHits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
}

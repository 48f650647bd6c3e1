// Package registry keeps the in-memory catalog of tools exposed by
// connected servers. Entries are addressed by qualified name,
// "<serverName>/<toolName>", and never outlive their server.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/internal/util/pattern"
)

const defaultCategory = "general"

// ToolRegistry implements ports.ToolRegistry.
type ToolRegistry struct {
	log *logger.StyledLogger

	mu      sync.RWMutex
	byName  map[string]*domain.ToolEntry
	byOwner map[string]map[string]struct{}
}

func NewToolRegistry(log *logger.StyledLogger) *ToolRegistry {
	return &ToolRegistry{
		log:     log,
		byName:  make(map[string]*domain.ToolEntry),
		byOwner: make(map[string]map[string]struct{}),
	}
}

// RegisterServerTools replaces a server's catalog with the given tool
// list and returns the new entries. Usage counters survive
// re-registration of a tool with the same qualified name.
func (r *ToolRegistry) RegisterServerTools(cfg *domain.ServerConfig, tools []domain.ToolDescriptor) []*domain.ToolEntry {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.byOwner[cfg.ID]
	owned := make(map[string]struct{}, len(tools))
	entries := make([]*domain.ToolEntry, 0, len(tools))

	for _, tool := range tools {
		qualified := cfg.Name + "/" + tool.Name
		entry := &domain.ToolEntry{
			QualifiedName: qualified,
			Name:          tool.Name,
			ServerID:      cfg.ID,
			ServerName:    cfg.Name,
			Description:   tool.Description,
			InputSchema:   tool.InputSchema,
			Category:      deriveCategory(cfg, tool.Name),
			Tags:          deriveTags(cfg),
			RegisteredAt:  now,
		}
		if old, ok := r.byName[qualified]; ok && old.ServerID == cfg.ID {
			entry.UsageCount = old.UsageCount
			entry.LastUsedAt = old.LastUsedAt
			entry.RegisteredAt = old.RegisteredAt
		}
		r.byName[qualified] = entry
		owned[qualified] = struct{}{}
		entries = append(entries, snapshot(entry))
	}

	// Drop tools the server no longer reports.
	for qualified := range previous {
		if _, still := owned[qualified]; !still {
			delete(r.byName, qualified)
		}
	}
	r.byOwner[cfg.ID] = owned

	r.log.InfoWithCount("Registered tools for "+cfg.Name, len(entries), "server_id", cfg.ID)
	return entries
}

// UnregisterServer removes every tool owned by the server and returns
// how many were dropped.
func (r *ToolRegistry) UnregisterServer(serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned, ok := r.byOwner[serverID]
	if !ok {
		return 0
	}
	for qualified := range owned {
		delete(r.byName, qualified)
	}
	delete(r.byOwner, serverID)
	return len(owned)
}

// Find resolves a tool by exact qualified name first, then falls back
// to the first entry whose qualified name ends with "/<name>". The
// fallback lets callers use short names when they are unambiguous
// enough; ordering across servers is stable by qualified name.
func (r *ToolRegistry) Find(name string) (*domain.ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.byName[name]; ok {
		return snapshot(entry), true
	}

	suffix := "/" + name
	var candidates []string
	for qualified := range r.byName {
		if strings.HasSuffix(qualified, suffix) {
			candidates = append(candidates, qualified)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Strings(candidates)
	return snapshot(r.byName[candidates[0]]), true
}

func (r *ToolRegistry) List() []*domain.ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(*domain.ToolEntry) bool { return true })
}

func (r *ToolRegistry) ListByServer(serverID string) []*domain.ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(e *domain.ToolEntry) bool { return e.ServerID == serverID })
}

// Search matches the query case-insensitively against qualified name,
// description, and tags. Queries containing '*' are treated as globs
// over the qualified name.
func (r *ToolRegistry) Search(query string) []*domain.ToolEntry {
	query = strings.TrimSpace(query)
	if query == "" {
		return r.List()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.Contains(query, "*") {
		return r.sorted(func(e *domain.ToolEntry) bool {
			return pattern.MatchesGlob(e.QualifiedName, query)
		})
	}

	needle := strings.ToLower(query)
	return r.sorted(func(e *domain.ToolEntry) bool {
		if strings.Contains(strings.ToLower(e.QualifiedName), needle) {
			return true
		}
		if strings.Contains(strings.ToLower(e.Description), needle) {
			return true
		}
		for _, tag := range e.Tags {
			if strings.Contains(strings.ToLower(tag), needle) {
				return true
			}
		}
		return false
	})
}

// Categories returns the tool count per category.
func (r *ToolRegistry) Categories() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, entry := range r.byName {
		counts[entry.Category]++
	}
	return counts
}

// RecordUsage bumps the usage counter for a tool. Unknown names are
// ignored; the tool may have been unregistered mid-flight.
func (r *ToolRegistry) RecordUsage(qualifiedName string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byName[qualifiedName]
	if !ok {
		return
	}
	entry.UsageCount++
	t := at.UTC()
	entry.LastUsedAt = &t
}

// sorted snapshots matching entries ordered by qualified name. Callers
// must hold at least the read lock.
func (r *ToolRegistry) sorted(match func(*domain.ToolEntry) bool) []*domain.ToolEntry {
	entries := make([]*domain.ToolEntry, 0, len(r.byName))
	for _, entry := range r.byName {
		if match(entry) {
			entries = append(entries, snapshot(entry))
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QualifiedName < entries[j].QualifiedName
	})
	return entries
}

// snapshot detaches an entry from the registry so callers can read it
// without racing RecordUsage. LastUsedAt is replaced wholesale on
// update, never mutated through the pointer, so a shallow copy is
// enough.
func snapshot(entry *domain.ToolEntry) *domain.ToolEntry {
	copied := *entry
	return &copied
}

// deriveCategory prefers the server's declared category, then the
// first word of the tool name ("file_read" -> "file"), then "general".
func deriveCategory(cfg *domain.ServerConfig, toolName string) string {
	if cfg.Metadata.Category != "" {
		return cfg.Metadata.Category
	}
	for _, sep := range []string{"_", ".", "-"} {
		if idx := strings.Index(toolName, sep); idx > 0 {
			return toolName[:idx]
		}
	}
	return defaultCategory
}

func deriveTags(cfg *domain.ServerConfig) []string {
	tags := cfg.Metadata.Tags
	if len(tags) > domain.MaxToolTags {
		tags = tags[:domain.MaxToolTags]
	}
	return append([]string(nil), tags...)
}

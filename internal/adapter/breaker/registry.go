package breaker

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
)

// Registry lazily creates one breaker per server, loading any persisted
// snapshot the first time a server is seen.
type Registry struct {
	settings domain.BreakerSettings
	store    ports.BreakerStore
	bus      ports.EventPublisher
	log      *logger.StyledLogger
	names    func(serverID string) string

	breakers *xsync.Map[string, *Breaker]
}

// NewRegistry builds the registry. nameFor resolves a server ID to its
// display name for logs and events; it may return "" for unknown ids.
func NewRegistry(settings domain.BreakerSettings, store ports.BreakerStore, bus ports.EventPublisher, nameFor func(serverID string) string, log *logger.StyledLogger) *Registry {
	if nameFor == nil {
		nameFor = func(serverID string) string { return serverID }
	}
	return &Registry{
		settings: settings,
		store:    store,
		bus:      bus,
		log:      log,
		names:    nameFor,
		breakers: xsync.NewMap[string, *Breaker](),
	}
}

// Get returns the breaker for a server, creating it on first use. A
// persisted snapshot, when present, wins over a fresh closed breaker.
func (r *Registry) Get(serverID string) ports.Breaker {
	if b, ok := r.breakers.Load(serverID); ok {
		return b
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	snap, err := r.store.LoadBreaker(ctx, serverID)
	cancel()
	if err != nil {
		r.log.Warn("breaker snapshot load failed, starting closed", "server_id", serverID, "error", err.Error())
		snap = nil
	}

	name := r.names(serverID)
	if name == "" {
		name = serverID
	}
	fresh := newBreaker(serverID, name, r.settings, snap, r.store, r.bus, r.log)
	actual, _ := r.breakers.LoadOrStore(serverID, fresh)
	return actual
}

// Snapshots reports the current state of every breaker seen so far.
func (r *Registry) Snapshots() []domain.BreakerSnapshot {
	var snaps []domain.BreakerSnapshot
	r.breakers.Range(func(_ string, b *Breaker) bool {
		snaps = append(snaps, b.Snapshot())
		return true
	})
	return snaps
}

// Forget drops a server's breaker from the registry, typically after
// the server itself is deleted.
func (r *Registry) Forget(serverID string) {
	r.breakers.Delete(serverID)
}

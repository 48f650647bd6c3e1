// Package breaker guards each server behind a three-state circuit:
// closed, open, half_open. State is persisted synchronously on every
// change so a restart resumes exactly where the gateway left off.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
)

const persistTimeout = 5 * time.Second

// Breaker implements ports.Breaker for one server.
type Breaker struct {
	serverID   string
	serverName string
	settings   domain.BreakerSettings
	store      ports.BreakerStore
	bus        ports.EventPublisher
	log        *logger.StyledLogger
	now        func() time.Time

	mu   sync.Mutex
	snap domain.BreakerSnapshot
}

func newBreaker(serverID, serverName string, settings domain.BreakerSettings, snap *domain.BreakerSnapshot, store ports.BreakerStore, bus ports.EventPublisher, log *logger.StyledLogger) *Breaker {
	b := &Breaker{
		serverID:   serverID,
		serverName: serverName,
		settings:   settings,
		store:      store,
		bus:        bus,
		log:        log,
		now:        time.Now,
	}
	if snap != nil {
		b.snap = *snap
	} else {
		b.snap = domain.BreakerSnapshot{
			ServerID:        serverID,
			State:           domain.BreakerClosed,
			LastStateChange: b.now().UTC(),
		}
	}
	return b
}

// CanExecute applies the open-timeout transition, then reports whether
// calls may pass.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.snap.State != domain.BreakerOpen
}

// RecordSuccess counts one successful downstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	now := b.now().UTC()
	switch b.snap.State {
	case domain.BreakerClosed:
		b.snap.RequestCount++
	case domain.BreakerHalfOpen:
		b.snap.RequestCount++
		b.snap.ConsecutiveSuccesses++
		if b.snap.ConsecutiveSuccesses >= b.settings.SuccessThreshold {
			b.transitionClosed(now)
		}
	case domain.BreakerOpen:
		// A success while open can only come from a call admitted just
		// before the trip; it does not reopen the gate.
	}
	b.persist()
}

// RecordFailure counts one failed downstream call and trips the breaker
// when the thresholds line up.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	now := b.now().UTC()
	b.snap.LastFailureAt = &now

	switch b.snap.State {
	case domain.BreakerClosed:
		b.snap.RequestCount++
		b.snap.FailureCount++
		if b.snap.RequestCount >= b.settings.VolumeThreshold && b.snap.FailureCount >= b.settings.FailureThreshold {
			b.transitionOpen(now)
		}
	case domain.BreakerHalfOpen:
		b.snap.RequestCount++
		b.transitionOpen(now)
	case domain.BreakerOpen:
		// Already open; refresh nothing but the failure timestamp.
	}
	b.persist()
}

// RecordCancellation applies the timeout transition but leaves every
// counter untouched: the caller walked away, the server did not fail.
func (b *Breaker) RecordCancellation() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maybeHalfOpen() {
		b.persist()
	}
}

// ForceOpen trips the breaker regardless of thresholds.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snap.State != domain.BreakerOpen {
		b.transitionOpen(b.now().UTC())
	}
	b.persist()
}

// ForceClose resets the breaker regardless of thresholds.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snap.State != domain.BreakerClosed {
		b.transitionClosed(b.now().UTC())
	} else {
		b.resetCounters()
	}
	b.persist()
}

func (b *Breaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.snap.State
}

// TimeUntilRetry reports how long callers must wait while open; zero in
// any other state.
func (b *Breaker) TimeUntilRetry() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.snap.State != domain.BreakerOpen || b.snap.OpenedAt == nil {
		return 0
	}
	remaining := b.settings.Timeout - b.now().Sub(*b.snap.OpenedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) Snapshot() domain.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// maybeHalfOpen moves OPEN to HALF_OPEN once the timeout elapses.
// Callers hold the mutex. Reports whether a transition happened.
func (b *Breaker) maybeHalfOpen() bool {
	if b.snap.State != domain.BreakerOpen || b.snap.OpenedAt == nil {
		return false
	}
	now := b.now().UTC()
	if now.Sub(*b.snap.OpenedAt) < b.settings.Timeout {
		return false
	}
	b.snap.State = domain.BreakerHalfOpen
	b.snap.ConsecutiveSuccesses = 0
	b.snap.LastStateChange = now
	b.publish(domain.EventCircuitHalfOpen)
	b.log.InfoBreakerState("Circuit", b.serverName, domain.BreakerHalfOpen)
	return true
}

func (b *Breaker) transitionOpen(now time.Time) {
	b.snap.State = domain.BreakerOpen
	b.snap.OpenedAt = &now
	b.snap.LastStateChange = now
	b.publish(domain.EventCircuitOpened)
	b.log.InfoBreakerState("Circuit", b.serverName, domain.BreakerOpen,
		"failure_count", b.snap.FailureCount, "request_count", b.snap.RequestCount)
}

func (b *Breaker) transitionClosed(now time.Time) {
	b.snap.State = domain.BreakerClosed
	b.resetCounters()
	b.snap.OpenedAt = nil
	b.snap.LastFailureAt = nil
	b.snap.LastStateChange = now
	b.publish(domain.EventCircuitClosed)
	b.log.InfoBreakerState("Circuit", b.serverName, domain.BreakerClosed)
}

func (b *Breaker) resetCounters() {
	b.snap.FailureCount = 0
	b.snap.ConsecutiveSuccesses = 0
	b.snap.RequestCount = 0
}

func (b *Breaker) publish(t domain.EventType) {
	b.bus.Publish(domain.NewEvent(t, b.serverID, map[string]any{
		"serverName": b.serverName,
		"state":      string(b.snap.State),
	}))
}

// persist writes the snapshot while holding the mutex. State at rest is
// authoritative; a failed write is logged loudly but cannot be retried
// without losing ordering.
func (b *Breaker) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	snap := b.snap
	if err := b.store.UpsertBreaker(ctx, &snap); err != nil {
		b.log.Error("breaker state persist failed", "server_id", b.serverID, "error", err.Error())
	}
}

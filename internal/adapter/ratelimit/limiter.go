// Package ratelimit enforces per-(caller, server) fixed windows: one
// minute bucket and one day bucket. State lives in memory and is
// flushed to the store in batches so the hot path never blocks on I/O.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
)

const flushInterval = 5 * time.Second

type keyedState struct {
	mu    sync.Mutex
	state *domain.RateLimitState
}

// Limiter implements ports.RateLimiter.
type Limiter struct {
	log   *logger.StyledLogger
	store ports.RateLimitStore
	now   func() time.Time

	mu      sync.Mutex
	states  map[string]*keyedState
	pending map[string]*domain.RateLimitState

	stopCh    sync.Once
	stop      chan struct{}
	flushDone chan struct{}
}

func New(store ports.RateLimitStore, log *logger.StyledLogger) *Limiter {
	l := &Limiter{
		log:       log,
		store:     store,
		now:       time.Now,
		states:    make(map[string]*keyedState),
		pending:   make(map[string]*domain.RateLimitState),
		stop:      make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

func stateKey(apiKeyID, serverID string) string {
	return apiKeyID + "|" + serverID
}

// Check consumes one token from both windows when allowed. Checks for
// the same (caller, server) pair are serialised on a per-key latch so
// concurrent callers cannot overshoot the limit.
func (l *Limiter) Check(ctx context.Context, apiKeyID, serverID string, cfg domain.RateLimitConfig) (domain.RateLimitResult, error) {
	perMinute := cfg.PerMinute
	if perMinute <= 0 {
		perMinute = domain.DefaultPerMinuteLimit
	}
	perDay := cfg.PerDay
	if perDay <= 0 {
		perDay = domain.DefaultPerDayLimit
	}

	ks, err := l.stateFor(ctx, apiKeyID, serverID)
	if err != nil {
		return domain.RateLimitResult{}, err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := l.now()
	state := ks.state
	state.Roll(now)

	allowed := state.MinuteCount < perMinute && state.DayCount < perDay
	if allowed {
		state.MinuteCount++
		state.DayCount++
		state.UpdatedAt = now
		l.enqueue(state)
	}

	result := domain.RateLimitResult{
		Allowed:         allowed,
		MinuteRemaining: max(0, perMinute-state.MinuteCount),
		MinuteResetAt:   state.MinuteResetAt,
		DayRemaining:    max(0, perDay-state.DayCount),
		DayResetAt:      state.DayResetAt,
	}
	if !allowed {
		retry := state.MinuteResetAt.Sub(now)
		if state.DayCount >= perDay && state.MinuteCount < perMinute {
			retry = state.DayResetAt.Sub(now)
		}
		if retry < 0 {
			retry = 0
		}
		result.RetryAfter = retry
	}
	return result, nil
}

// stateFor resolves the in-memory latch for a key, loading persisted
// state on first sight.
func (l *Limiter) stateFor(ctx context.Context, apiKeyID, serverID string) (*keyedState, error) {
	key := stateKey(apiKeyID, serverID)

	l.mu.Lock()
	if ks, ok := l.states[key]; ok {
		l.mu.Unlock()
		return ks, nil
	}
	l.mu.Unlock()

	// Load outside the map lock; a racing loader loses to whoever
	// installs first.
	loaded, err := l.store.LoadState(ctx, apiKeyID, serverID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	if loaded == nil {
		loaded = &domain.RateLimitState{
			APIKeyID:      apiKeyID,
			ServerID:      serverID,
			MinuteResetAt: now.Add(domain.MinuteWindow),
			DayResetAt:    now.Add(domain.DayWindow),
			UpdatedAt:     now,
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ks, ok := l.states[key]; ok {
		return ks, nil
	}
	ks := &keyedState{state: loaded}
	l.states[key] = ks
	return ks, nil
}

// enqueue marks a state dirty for the next flush. Caller holds the
// per-key latch; the pending map has its own lock.
func (l *Limiter) enqueue(state *domain.RateLimitState) {
	snapshot := *state
	l.mu.Lock()
	l.pending[stateKey(state.APIKeyID, state.ServerID)] = &snapshot
	l.mu.Unlock()
}

// Reset clears a pair's counters everywhere: latch map, pending queue,
// and store.
func (l *Limiter) Reset(ctx context.Context, apiKeyID, serverID string) error {
	key := stateKey(apiKeyID, serverID)

	l.mu.Lock()
	delete(l.states, key)
	delete(l.pending, key)
	l.mu.Unlock()

	return l.store.DeleteStates(ctx, apiKeyID, serverID)
}

// Close stops the flush loop and flushes whatever is queued.
func (l *Limiter) Close(ctx context.Context) error {
	l.stopCh.Do(func() {
		close(l.stop)
	})
	select {
	case <-l.flushDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.flush(ctx)
}

func (l *Limiter) flushLoop() {
	defer close(l.flushDone)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), flushInterval)
			if err := l.flush(ctx); err != nil {
				l.log.Warn("rate limit flush failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// flush upserts the queued states in one batch and clears the queue.
// On failure the batch is re-queued behind anything newer.
func (l *Limiter) flush(ctx context.Context) error {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := make([]*domain.RateLimitState, 0, len(l.pending))
	for _, state := range l.pending {
		batch = append(batch, state)
	}
	l.pending = make(map[string]*domain.RateLimitState)
	l.mu.Unlock()

	if err := l.store.UpsertStates(ctx, batch); err != nil {
		l.mu.Lock()
		for _, state := range batch {
			key := stateKey(state.APIKeyID, state.ServerID)
			if _, exists := l.pending[key]; !exists {
				l.pending[key] = state
			}
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

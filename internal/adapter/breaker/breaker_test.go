package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/theme"
)

type fakeBreakerStore struct {
	mu    sync.Mutex
	rows  map[string]*domain.BreakerSnapshot
	saves int
}

func newFakeBreakerStore() *fakeBreakerStore {
	return &fakeBreakerStore{rows: make(map[string]*domain.BreakerSnapshot)}
}

func (s *fakeBreakerStore) LoadBreaker(ctx context.Context, serverID string) (*domain.BreakerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[serverID]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (s *fakeBreakerStore) UpsertBreaker(ctx context.Context, snap *domain.BreakerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *snap
	s.rows[snap.ServerID] = &copied
	s.saves++
	return nil
}

func (s *fakeBreakerStore) saved(serverID string) *domain.BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[serverID]
}

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

func testLogger() *logger.StyledLogger {
	log, _, _, err := logger.NewWithTheme(&logger.Config{Level: "error"})
	if err != nil {
		panic(err)
	}
	return logger.NewStyledLogger(log, theme.Default())
}

func testSettings() domain.BreakerSettings {
	return domain.BreakerSettings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		VolumeThreshold:  5,
	}
}

func newTestBreaker(store *fakeBreakerStore, bus *captureBus) *Breaker {
	return newBreaker("srv-1", "files", testSettings(), nil, store, bus, testLogger())
}

// warm drives the breaker to the volume threshold with alternating
// outcomes so failure-count assertions stay explicit in each test.
func warm(b *Breaker, successes int) {
	for i := 0; i < successes; i++ {
		b.RecordSuccess()
	}
}

func TestStartsClosed(t *testing.T) {
	b := newTestBreaker(newFakeBreakerStore(), &captureBus{})
	assert.Equal(t, domain.BreakerClosed, b.State())
	assert.True(t, b.CanExecute())
	assert.Zero(t, b.TimeUntilRetry())
}

func TestOpensAtThresholdsOnly(t *testing.T) {
	store := newFakeBreakerStore()
	bus := &captureBus{}
	b := newTestBreaker(store, bus)

	// Three failures alone do not trip: volume threshold is 5.
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, domain.BreakerClosed, b.State())

	// Two successes push request volume to 5; next failure trips.
	warm(b, 2)
	b.RecordFailure()
	assert.Equal(t, domain.BreakerOpen, b.State())
	assert.False(t, b.CanExecute())
	assert.Contains(t, bus.types(), domain.EventCircuitOpened)

	saved := store.saved("srv-1")
	require.NotNil(t, saved)
	assert.Equal(t, domain.BreakerOpen, saved.State)
	require.NotNil(t, saved.OpenedAt)
}

func TestTimeUntilRetryWhileOpen(t *testing.T) {
	b := newTestBreaker(newFakeBreakerStore(), &captureBus{})
	b.ForceOpen()

	retry := b.TimeUntilRetry()
	assert.Greater(t, retry, 50*time.Second)
	assert.LessOrEqual(t, retry, time.Minute)
}

func TestOpenToHalfOpenAfterTimeout(t *testing.T) {
	bus := &captureBus{}
	b := newTestBreaker(newFakeBreakerStore(), bus)
	b.ForceOpen()

	b.now = func() time.Time { return time.Now().Add(61 * time.Second) }
	assert.True(t, b.CanExecute(), "timeout elapsed, trial calls pass")
	assert.Equal(t, domain.BreakerHalfOpen, b.State())
	assert.Contains(t, bus.types(), domain.EventCircuitHalfOpen)
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	store := newFakeBreakerStore()
	bus := &captureBus{}
	b := newTestBreaker(store, bus)
	b.ForceOpen()
	b.now = func() time.Time { return time.Now().Add(61 * time.Second) }

	b.RecordSuccess()
	assert.Equal(t, domain.BreakerHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, domain.BreakerClosed, b.State())
	assert.Contains(t, bus.types(), domain.EventCircuitClosed)

	saved := store.saved("srv-1")
	require.NotNil(t, saved)
	assert.Equal(t, domain.BreakerClosed, saved.State)
	assert.Nil(t, saved.OpenedAt, "closing clears openedAt")
	assert.Zero(t, saved.FailureCount)
	assert.Zero(t, saved.RequestCount)
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b := newTestBreaker(newFakeBreakerStore(), &captureBus{})
	b.ForceOpen()

	base := time.Now()
	b.now = func() time.Time { return base.Add(61 * time.Second) }
	require.True(t, b.CanExecute())

	b.RecordFailure()
	assert.Equal(t, domain.BreakerOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestCancellationTouchesNoCounters(t *testing.T) {
	b := newTestBreaker(newFakeBreakerStore(), &captureBus{})
	b.RecordFailure()
	before := b.Snapshot()

	b.RecordCancellation()
	after := b.Snapshot()
	assert.Equal(t, before.FailureCount, after.FailureCount)
	assert.Equal(t, before.RequestCount, after.RequestCount)
}

func TestForceCloseResets(t *testing.T) {
	b := newTestBreaker(newFakeBreakerStore(), &captureBus{})
	b.ForceOpen()
	b.ForceClose()

	assert.Equal(t, domain.BreakerClosed, b.State())
	snap := b.Snapshot()
	assert.Zero(t, snap.FailureCount)
	assert.Nil(t, snap.OpenedAt)
}

func TestRegistryLoadsPersistedState(t *testing.T) {
	store := newFakeBreakerStore()
	openedAt := time.Now().UTC()
	store.rows["srv-1"] = &domain.BreakerSnapshot{
		ServerID:        "srv-1",
		State:           domain.BreakerOpen,
		OpenedAt:        &openedAt,
		LastStateChange: openedAt,
	}

	r := NewRegistry(testSettings(), store, &captureBus{}, nil, testLogger())
	b := r.Get("srv-1")
	assert.Equal(t, domain.BreakerOpen, b.State(), "persisted open state is authoritative")
	assert.False(t, b.CanExecute())
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(testSettings(), newFakeBreakerStore(), &captureBus{}, nil, testLogger())
	assert.Same(t, r.Get("srv-1"), r.Get("srv-1"))

	snaps := r.Snapshots()
	assert.Len(t, snaps, 1)
}

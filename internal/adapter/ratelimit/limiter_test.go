package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/theme"
)

type fakeRateStore struct {
	mu      sync.Mutex
	rows    map[string]*domain.RateLimitState
	upserts int
	fail    bool
}

func newFakeRateStore() *fakeRateStore {
	return &fakeRateStore{rows: make(map[string]*domain.RateLimitState)}
}

func (s *fakeRateStore) LoadState(ctx context.Context, apiKeyID, serverID string) (*domain.RateLimitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("store down")
	}
	row, ok := s.rows[apiKeyID+"|"+serverID]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (s *fakeRateStore) UpsertStates(ctx context.Context, states []*domain.RateLimitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.upserts++
	for _, state := range states {
		copied := *state
		s.rows[state.APIKeyID+"|"+state.ServerID] = &copied
	}
	return nil
}

func (s *fakeRateStore) DeleteStates(ctx context.Context, apiKeyID, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, apiKeyID+"|"+serverID)
	return nil
}

func testLogger() *logger.StyledLogger {
	log, _, _, err := logger.NewWithTheme(&logger.Config{Level: "error"})
	if err != nil {
		panic(err)
	}
	return logger.NewStyledLogger(log, theme.Default())
}

func newTestLimiter(t *testing.T, store *fakeRateStore) *Limiter {
	t.Helper()
	l := New(store, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l
}

func TestCheckAllowsUpToLimit(t *testing.T) {
	l := newTestLimiter(t, newFakeRateStore())
	cfg := domain.RateLimitConfig{PerMinute: 3, PerDay: 100}

	for i := 0; i < 3; i++ {
		res, err := l.Check(context.Background(), "key", "srv", cfg)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.MinuteRemaining)
	}

	res, err := l.Check(context.Background(), "key", "srv", cfg)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.MinuteRemaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, domain.MinuteWindow)
}

func TestMinuteWindowRollsOver(t *testing.T) {
	l := newTestLimiter(t, newFakeRateStore())
	cfg := domain.RateLimitConfig{PerMinute: 1, PerDay: 100}

	res, err := l.Check(context.Background(), "key", "srv", cfg)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Check(context.Background(), "key", "srv", cfg)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Jump past the minute deadline: the window rolls lazily.
	l.now = func() time.Time { return time.Now().Add(61 * time.Second) }
	res, err = l.Check(context.Background(), "key", "srv", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDayLimitBlocksEvenWithMinuteBudget(t *testing.T) {
	l := newTestLimiter(t, newFakeRateStore())
	cfg := domain.RateLimitConfig{PerMinute: 100, PerDay: 2}

	for i := 0; i < 2; i++ {
		res, err := l.Check(context.Background(), "key", "srv", cfg)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Check(context.Background(), "key", "srv", cfg)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.DayRemaining)
	// Retry points at the day window, not the minute one.
	assert.Greater(t, res.RetryAfter, time.Hour)
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t, newFakeRateStore())
	cfg := domain.RateLimitConfig{PerMinute: 1, PerDay: 10}

	res, err := l.Check(context.Background(), "key-a", "srv", cfg)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Check(context.Background(), "key-b", "srv", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "different callers have separate buckets")

	res, err = l.Check(context.Background(), "key-a", "other", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "different servers have separate buckets")
}

func TestConcurrentChecksNeverOvershoot(t *testing.T) {
	l := newTestLimiter(t, newFakeRateStore())
	cfg := domain.RateLimitConfig{PerMinute: 10, PerDay: 1000}

	var wg sync.WaitGroup
	var allowed, denied int
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(context.Background(), "key", "srv", cfg)
			assert.NoError(t, err)
			mu.Lock()
			if res.Allowed {
				allowed++
			} else {
				denied++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.Equal(t, 40, denied)
}

func TestStateLoadsFromStore(t *testing.T) {
	store := newFakeRateStore()
	now := time.Now()
	store.rows["key|srv"] = &domain.RateLimitState{
		APIKeyID:      "key",
		ServerID:      "srv",
		MinuteCount:   5,
		MinuteResetAt: now.Add(30 * time.Second),
		DayCount:      5,
		DayResetAt:    now.Add(12 * time.Hour),
	}

	l := newTestLimiter(t, store)
	res, err := l.Check(context.Background(), "key", "srv", domain.RateLimitConfig{PerMinute: 5, PerDay: 100})
	require.NoError(t, err)
	assert.False(t, res.Allowed, "persisted counts survive a restart")
}

func TestCloseFlushesPending(t *testing.T) {
	store := newFakeRateStore()
	l := New(store, testLogger())

	_, err := l.Check(context.Background(), "key", "srv", domain.RateLimitConfig{PerMinute: 10, PerDay: 100})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))

	store.mu.Lock()
	defer store.mu.Unlock()
	row, ok := store.rows["key|srv"]
	require.True(t, ok, "pending state must flush on close")
	assert.Equal(t, 1, row.MinuteCount)
}

func TestResetClearsEverywhere(t *testing.T) {
	store := newFakeRateStore()
	l := newTestLimiter(t, store)
	cfg := domain.RateLimitConfig{PerMinute: 1, PerDay: 1}

	res, err := l.Check(context.Background(), "key", "srv", cfg)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	require.NoError(t, l.Reset(context.Background(), "key", "srv"))

	res, err = l.Check(context.Background(), "key", "srv", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "reset restores a full budget")
}

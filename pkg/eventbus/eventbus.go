// Package eventbus is a generic pub/sub bus with per-subscriber
// filtering and backpressure handling. Publishers never block: a subscriber
// whose buffer is full has the event dropped and counted against it.
package eventbus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Filter decides whether a subscriber receives an event. A nil filter
// receives everything.
type Filter[T any] func(T) bool

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus[T any] struct {
	subscribers   *xsync.Map[string, *subscriber[T]]
	isShutdown    atomic.Bool
	subscriberSeq atomic.Uint64
	published     atomic.Uint64
	bufferSize    int
}

// subscriber guards ch with mu so a publish in flight can never race
// the close: sends hold the read lock, the close holds the write lock.
type subscriber[T any] struct {
	id      string
	ch      chan T
	filter  Filter[T]
	dropped atomic.Uint64

	mu       sync.RWMutex
	isActive bool
}

func (s *subscriber[T]) send(event T) (delivered bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isActive {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *subscriber[T]) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isActive {
		s.isActive = false
		close(s.ch)
	}
}

func (s *subscriber[T]) active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isActive
}

const DefaultBufferSize = 100

// New creates a bus whose subscriber channels buffer size events.
func New[T any](bufferSize int) *Bus[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus[T]{
		subscribers: xsync.NewMap[string, *subscriber[T]](),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a filtered subscriber. The returned channel is
// closed when the cleanup func runs, the context ends, or the bus shuts
// down. Cleanup is idempotent.
func (b *Bus[T]) Subscribe(ctx context.Context, filter Filter[T]) (<-chan T, func()) {
	if b.isShutdown.Load() {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := "sub_" + strconv.FormatUint(b.subscriberSeq.Add(1), 10)
	sub := &subscriber[T]{
		id:     id,
		ch:     make(chan T, b.bufferSize),
		filter: filter,
	}
	sub.isActive = true
	b.subscribers.Store(id, sub)

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			b.unsubscribe(id)
		}()
	}

	return sub.ch, func() { b.unsubscribe(id) }
}

// Publish delivers an event to every matching active subscriber and
// returns the delivery count. Full buffers drop rather than block the
// publisher's goroutine.
func (b *Bus[T]) Publish(event T) int {
	if b.isShutdown.Load() {
		return 0
	}
	b.published.Add(1)

	delivered := 0
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		if sub.filter != nil && !sub.filter(event) {
			return true
		}
		if sub.send(event) {
			delivered++
		}
		return true
	})
	return delivered
}

// Shutdown closes every subscriber channel exactly once. Further
// publishes are no-ops.
func (b *Bus[T]) Shutdown() {
	if !b.isShutdown.CompareAndSwap(false, true) {
		return
	}
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		sub.closeOnce()
		return true
	})
	b.subscribers.Clear()
}

// Stats is a point-in-time view of bus health.
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
	IsShutdown  bool
}

func (b *Bus[T]) Stats() Stats {
	stats := Stats{
		Published:  b.published.Load(),
		IsShutdown: b.isShutdown.Load(),
	}
	if stats.IsShutdown {
		return stats
	}
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		if sub.active() {
			stats.Subscribers++
		}
		stats.Dropped += sub.dropped.Load()
		return true
	})
	return stats
}

func (b *Bus[T]) unsubscribe(id string) {
	if sub, exists := b.subscribers.LoadAndDelete(id); exists {
		sub.closeOnce()
	}
}

// Drain consumes events from ch until it closes or the timeout lapses.
// Test helper for deterministic teardown.
func Drain[T any](ch <-chan T, timeout time.Duration) []T {
	var out []T
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

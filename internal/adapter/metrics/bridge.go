package metrics

import (
	"context"
	"sync"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
)

// Bridge tails the event bus and folds lifecycle events into the
// Prometheus collectors. It keeps the metrics package passive: nothing
// in the pipeline calls it directly.
type Bridge struct {
	metrics *Metrics
	bus     ports.EventSubscriber
	log     *logger.StyledLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(m *Metrics, bus ports.EventSubscriber, log *logger.StyledLogger) *Bridge {
	return &Bridge{metrics: m, bus: bus, log: log}
}

func (b *Bridge) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	events, unsubscribe := b.bus.Subscribe(runCtx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				b.apply(ev)
			}
		}
	}()
	return nil
}

func (b *Bridge) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) apply(ev domain.Event) {
	b.metrics.Event(ev.Type)

	switch ev.Type {
	case domain.EventToolInvoked:
		result := "error"
		if success, _ := ev.Fields["success"].(bool); success {
			result = "success"
			if cached, _ := ev.Fields["cached"].(bool); cached {
				result = "cached"
			}
		}
		var seconds float64
		if ms, ok := ev.Fields["durationMs"].(int64); ok {
			seconds = float64(ms) / 1000
		}
		b.metrics.ObserveInvocation(ev.ServerID, result, seconds)

	case domain.EventServerConnected:
		b.metrics.ServerConnected(ev.ServerID, true)
	case domain.EventServerDisconnected, domain.EventServerError:
		b.metrics.ServerConnected(ev.ServerID, false)

	case domain.EventCircuitOpened:
		b.metrics.BreakerState(ev.ServerID, domain.BreakerOpen)
	case domain.EventCircuitHalfOpen:
		b.metrics.BreakerState(ev.ServerID, domain.BreakerHalfOpen)
	case domain.EventCircuitClosed:
		b.metrics.BreakerState(ev.ServerID, domain.BreakerClosed)
	}
}

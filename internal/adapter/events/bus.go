// Package events adapts the generic bus to the gateway's closed event
// set. Emission is synchronous on the publisher's goroutine; subscribers
// that need I/O buffer onto their own queues.
package events

import (
	"context"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/pkg/eventbus"
)

// GatewayBus implements ports.EventBus over eventbus.Bus.
type GatewayBus struct {
	bus *eventbus.Bus[domain.Event]
}

func NewGatewayBus(bufferSize int) *GatewayBus {
	return &GatewayBus{bus: eventbus.New[domain.Event](bufferSize)}
}

// Publish fans the event out to all matching subscribers without
// blocking. Returns the number of deliveries.
func (g *GatewayBus) Publish(ev domain.Event) int {
	return g.bus.Publish(ev)
}

// Subscribe returns a channel carrying only the requested event types,
// or every type when none are given.
func (g *GatewayBus) Subscribe(ctx context.Context, types ...domain.EventType) (<-chan domain.Event, func()) {
	if len(types) == 0 {
		return g.bus.Subscribe(ctx, nil)
	}
	wanted := make(map[domain.EventType]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}
	return g.bus.Subscribe(ctx, func(ev domain.Event) bool {
		_, ok := wanted[ev.Type]
		return ok
	})
}

func (g *GatewayBus) Stats() eventbus.Stats { return g.bus.Stats() }

func (g *GatewayBus) Shutdown() { g.bus.Shutdown() }

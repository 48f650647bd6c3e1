package domain

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of gateway lifecycle events. The SSE and
// webhook fan-outs treat payloads opaquely; subscribers match by tag.
type EventType string

const (
	EventServerConnected    EventType = "server.connected"
	EventServerDisconnected EventType = "server.disconnected"
	EventServerError        EventType = "server.error"
	EventServerCreated      EventType = "server.created"
	EventServerUpdated      EventType = "server.updated"
	EventServerDeleted      EventType = "server.deleted"
	EventToolInvoked        EventType = "tool.invoked"
	EventToolError          EventType = "tool.error"
	EventCircuitOpened      EventType = "circuit.opened"
	EventCircuitClosed      EventType = "circuit.closed"
	EventCircuitHalfOpen    EventType = "circuit.half_open"
	EventTest               EventType = "test"
)

// EventTypes lists every event the bus can carry, in a stable order.
func EventTypes() []EventType {
	return []EventType{
		EventServerConnected, EventServerDisconnected, EventServerError,
		EventServerCreated, EventServerUpdated, EventServerDeleted,
		EventToolInvoked, EventToolError,
		EventCircuitOpened, EventCircuitClosed, EventCircuitHalfOpen,
	}
}

// Valid reports whether t belongs to the closed event set. The synthetic
// "test" type is valid only on the webhook test path.
func (t EventType) Valid() bool {
	for _, known := range EventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one lifecycle occurrence. ServerID is set whenever the event
// concerns a single server so that fan-out filters stay cheap. Fields
// carries the type-specific payload.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ServerID  string         `json:"serverId,omitempty"`
	Fields    map[string]any `json:"-"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, serverID string, fields map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), ServerID: serverID, Fields: fields}
}

// PayloadWithoutType renders the event body the way SSE frames carry it:
// every field except the type tag, which rides in the frame header.
func (e Event) PayloadWithoutType() ([]byte, error) {
	return json.Marshal(e.payloadMap(true))
}

// PayloadWithoutTypeAndTimestamp is the webhook "data" block.
func (e Event) PayloadWithoutTypeAndTimestamp() map[string]any {
	m := e.payloadMap(false)
	delete(m, "timestamp")
	return m
}

func (e Event) payloadMap(withTimestamp bool) map[string]any {
	m := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		m[k] = v
	}
	if e.ServerID != "" {
		m["serverId"] = e.ServerID
	}
	if withTimestamp {
		m["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return m
}

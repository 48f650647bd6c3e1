// Package sse streams gateway lifecycle events to HTTP clients. Each
// client gets its own bus subscription and buffer; a slow client drops
// frames rather than stalling publishers.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/pkg/pool"
)

const DefaultKeepaliveInterval = 30 * time.Second

// Broker fans the event bus out to SSE clients.
type Broker struct {
	bus       ports.EventSubscriber
	log       *logger.StyledLogger
	keepalive time.Duration
	clients   atomic.Int64
	now       func() time.Time
}

func NewBroker(bus ports.EventSubscriber, keepalive time.Duration, log *logger.StyledLogger) *Broker {
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveInterval
	}
	return &Broker{
		bus:       bus,
		log:       log,
		keepalive: keepalive,
		now:       time.Now,
	}
}

// ActiveClients reports how many streams are currently open.
func (b *Broker) ActiveClients() int64 { return b.clients.Load() }

// ServeHTTP handles GET /sse/events?types=&servers=. The stream opens
// with a "connected" control frame echoing the negotiated filter, then
// forwards matching events until the client goes away.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	types, err := parseTypes(r.URL.Query().Get("types"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	servers := parseCSV(r.URL.Query().Get("servers"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Long-lived stream: the server's write timeout must not apply.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	events, unsubscribe := b.bus.Subscribe(ctx, types...)
	defer unsubscribe()

	b.clients.Add(1)
	defer b.clients.Add(-1)
	b.log.Debug("sse client connected", "types", len(types), "servers", len(servers))

	serverFilter := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		serverFilter[s] = struct{}{}
	}

	b.writeConnected(w, flusher, types, servers)

	ticker := time.NewTicker(b.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Debug("sse client disconnected")
			return
		case <-ticker.C:
			b.writeKeepalive(w, flusher)
		case ev, open := <-events:
			if !open {
				return
			}
			if len(serverFilter) > 0 {
				if _, match := serverFilter[ev.ServerID]; !match {
					continue
				}
			}
			if err := b.writeEvent(w, flusher, ev); err != nil {
				return
			}
		}
	}
}

func (b *Broker) writeConnected(w http.ResponseWriter, flusher http.Flusher, types []domain.EventType, servers []string) {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	payload, _ := json.Marshal(map[string]any{
		"types":     names,
		"servers":   servers,
		"timestamp": b.now().UTC().Format(time.RFC3339Nano),
	})
	writeFrame(w, "connected", payload, fmt.Sprintf("connected-%d", b.now().UnixMilli()))
	flusher.Flush()
}

func (b *Broker) writeKeepalive(w http.ResponseWriter, flusher http.Flusher) {
	payload, _ := json.Marshal(map[string]any{
		"timestamp": b.now().UTC().Format(time.RFC3339Nano),
	})
	writeFrame(w, "keepalive", payload, "")
	flusher.Flush()
}

func (b *Broker) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.Event) error {
	payload, err := ev.PayloadWithoutType()
	if err != nil {
		b.log.Warn("sse payload marshal failed", "type", string(ev.Type), "error", err.Error())
		return nil
	}
	id := fmt.Sprintf("%s-%d", ev.Type, ev.Timestamp.UnixMilli())
	if err := writeFrame(w, string(ev.Type), payload, id); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// frameBuffers recycles the scratch buffers frames are assembled in, so
// a busy stream does not allocate per event. Assembling first also
// keeps each frame to a single write.
var frameBuffers, _ = pool.NewLitePool(func() *bytes.Buffer {
	return bytes.NewBuffer(make([]byte, 0, 512))
})

// writeFrame emits one SSE frame: event, data, optional id, blank line.
func writeFrame(w http.ResponseWriter, event string, data []byte, id string) error {
	buf := frameBuffers.Get()
	defer frameBuffers.Put(buf)

	fmt.Fprintf(buf, "event: %s\ndata: %s\n", event, data)
	if id != "" {
		fmt.Fprintf(buf, "id: %s\n", id)
	}
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}

// parseTypes splits and validates the types= filter. Empty means every
// type.
func parseTypes(raw string) ([]domain.EventType, error) {
	var types []domain.EventType
	for _, part := range parseCSV(raw) {
		t := domain.EventType(part)
		if !t.Valid() {
			return nil, &domain.ValidationError{Field: "types", Reason: "unknown event type: " + part}
		}
		types = append(types, t)
	}
	return types, nil
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

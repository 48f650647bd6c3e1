// Package metrics exposes gateway counters to Prometheus. Collectors
// are registered on a private registry so tests never collide on the
// global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sevrin/gantry/internal/core/domain"
)

// breaker states as gauge values, in severity order
const (
	gaugeClosed   = 0
	gaugeHalfOpen = 1
	gaugeOpen     = 2
)

// Metrics holds every gateway collector.
type Metrics struct {
	registry *prometheus.Registry

	invocations  *prometheus.CounterVec
	invokeTime   *prometheus.HistogramVec
	cacheEvents  *prometheus.CounterVec
	events       *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	connections  *prometheus.GaugeVec
	deliveries   *prometheus.CounterVec
	violations   *prometheus.CounterVec
}

// New builds and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_tool_invocations_total",
			Help: "Tool invocations by server and result.",
		}, []string{"server", "result"}),
		invokeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gantry_tool_invocation_duration_seconds",
			Help:    "Wall-clock invocation latency, cache hits included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_cache_events_total",
			Help: "Response cache hits and misses by tier.",
		}, []string{"tier", "event"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_events_total",
			Help: "Lifecycle events published on the bus, by type.",
		}, []string{"type"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gantry_breaker_state",
			Help: "Circuit state per server: 0 closed, 1 half-open, 2 open.",
		}, []string{"server"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gantry_server_connected",
			Help: "1 while a server's transport is connected.",
		}, []string{"server"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_webhook_deliveries_total",
			Help: "Webhook delivery attempts by status.",
		}, []string{"status"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_security_violations_total",
			Help: "Edge requests rejected by the security chain.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		m.invocations,
		m.invokeTime,
		m.cacheEvents,
		m.events,
		m.breakerState,
		m.connections,
		m.deliveries,
		m.violations,
	)
	return m
}

// Handler serves the /metrics exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterSSEClients exposes the live stream count as a gauge func.
func (m *Metrics) RegisterSSEClients(count func() int64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gantry_sse_clients",
		Help: "Open SSE streams.",
	}, func() float64 { return float64(count()) }))
}

// RegisterCacheStats exposes the two-tier cache counters.
func (m *Metrics) RegisterCacheStats(stats func() domain.CacheStats) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gantry_cache_memory_entries",
		Help: "Entries currently resident in the memory tier.",
	}, func() float64 { return float64(stats().MemoryEntries) }))
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gantry_cache_memory_evictions_total",
		Help: "LRU evictions from the memory tier.",
	}, func() float64 { return float64(stats().Evictions) }))
}

func (m *Metrics) ObserveInvocation(server, result string, seconds float64) {
	m.invocations.WithLabelValues(server, result).Inc()
	m.invokeTime.WithLabelValues(server).Observe(seconds)
}

func (m *Metrics) CacheEvent(tier, event string) {
	m.cacheEvents.WithLabelValues(tier, event).Inc()
}

func (m *Metrics) Event(t domain.EventType) {
	m.events.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) BreakerState(server string, state domain.BreakerState) {
	value := float64(gaugeClosed)
	switch state {
	case domain.BreakerHalfOpen:
		value = gaugeHalfOpen
	case domain.BreakerOpen:
		value = gaugeOpen
	}
	m.breakerState.WithLabelValues(server).Set(value)
}

func (m *Metrics) ServerConnected(server string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	m.connections.WithLabelValues(server).Set(value)
}

func (m *Metrics) WebhookDelivery(status domain.DeliveryStatus) {
	m.deliveries.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) SecurityViolation(violationType string) {
	m.violations.WithLabelValues(violationType).Inc()
}

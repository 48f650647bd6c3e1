package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevrin/gantry/internal/adapter/events"
	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/theme"
)

func testLogger() *logger.StyledLogger {
	log, _, _, err := logger.NewWithTheme(&logger.Config{Level: "error"})
	if err != nil {
		panic(err)
	}
	return logger.NewStyledLogger(log, theme.Default())
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestExpositionFormat(t *testing.T) {
	m := New()
	m.ObserveInvocation("s1", "success", 0.05)
	m.CacheEvent("memory", "hit")
	m.BreakerState("s1", domain.BreakerOpen)
	m.ServerConnected("s1", true)
	m.WebhookDelivery(domain.DeliverySuccess)

	body := scrape(t, m)
	assert.Contains(t, body, `gantry_tool_invocations_total{result="success",server="s1"} 1`)
	assert.Contains(t, body, `gantry_cache_events_total{event="hit",tier="memory"} 1`)
	assert.Contains(t, body, `gantry_breaker_state{server="s1"} 2`)
	assert.Contains(t, body, `gantry_server_connected{server="s1"} 1`)
	assert.Contains(t, body, `gantry_webhook_deliveries_total{status="success"} 1`)
}

func TestGaugeFuncs(t *testing.T) {
	m := New()
	m.RegisterSSEClients(func() int64 { return 3 })
	m.RegisterCacheStats(func() domain.CacheStats {
		return domain.CacheStats{MemoryEntries: 7, Evictions: 2}
	})

	body := scrape(t, m)
	assert.Contains(t, body, "gantry_sse_clients 3")
	assert.Contains(t, body, "gantry_cache_memory_entries 7")
	assert.Contains(t, body, "gantry_cache_memory_evictions_total 2")
}

func TestBridgeFoldsEvents(t *testing.T) {
	m := New()
	bus := events.NewGatewayBus(16)
	defer bus.Shutdown()

	bridge := NewBridge(m, bus, testLogger())
	require.NoError(t, bridge.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		bridge.Stop(ctx)
	}()

	bus.Publish(domain.NewEvent(domain.EventToolInvoked, "s1", map[string]any{
		"toolName": "files/read", "success": true, "cached": false, "durationMs": int64(120),
	}))
	bus.Publish(domain.NewEvent(domain.EventToolInvoked, "s1", map[string]any{
		"toolName": "files/read", "success": true, "cached": true, "durationMs": int64(2),
	}))
	bus.Publish(domain.NewEvent(domain.EventCircuitOpened, "s1", nil))
	bus.Publish(domain.NewEvent(domain.EventServerDisconnected, "s1", nil))

	assert.Eventually(t, func() bool {
		body := scrape(t, m)
		return strings.Contains(body, `gantry_tool_invocations_total{result="success",server="s1"} 1`) &&
			strings.Contains(body, `gantry_tool_invocations_total{result="cached",server="s1"} 1`) &&
			strings.Contains(body, `gantry_breaker_state{server="s1"} 2`) &&
			strings.Contains(body, `gantry_server_connected{server="s1"} 0`) &&
			strings.Contains(body, `gantry_events_total{type="tool.invoked"} 2`)
	}, 2*time.Second, 20*time.Millisecond)
}

// Package handlers exposes the gateway control plane over HTTP: tool
// invocation, server and webhook CRUD, the SSE stream, health and
// metrics.
package handlers

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sevrin/gantry/internal/adapter/security"
	"github.com/sevrin/gantry/internal/config"
	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/internal/router"
)

// ServerController covers the connect/disconnect operations the gateway
// service performs on behalf of the control plane.
type ServerController interface {
	ConnectServer(ctx context.Context, cfg *domain.ServerConfig) error
	DisconnectServer(ctx context.Context, serverID string) error
}

// WebhookTester sends a synchronous test delivery to one subscription.
type WebhookTester interface {
	TestDelivery(ctx context.Context, sub *domain.WebhookSubscription) (*domain.DeliveryRecord, error)
}

// Dependencies carries everything the handlers need. All fields are
// required unless noted.
type Dependencies struct {
	Router     ports.Router
	Tools      ports.ToolRegistry
	Pool       ports.ConnectionPool
	Servers    ports.ServerStore
	Webhooks   ports.WebhookStore
	Bus        ports.EventPublisher
	Usage      ports.UsageStore
	Controller ServerController
	Tester     WebhookTester
	Broker     http.Handler // SSE stream, optional in tests
	Metrics    http.Handler // Prometheus exposition, optional in tests
	Security   *security.Adapters
}

// Application holds all the dependencies needed for the HTTP handlers
type Application struct {
	Config        *config.Config
	logger        *logger.StyledLogger
	deps          Dependencies
	routeRegistry *router.RouteRegistry
	shuttingDown  atomic.Bool
	StartTime     time.Time
}

// NewApplication creates a new Application instance with all required dependencies
func NewApplication(cfg *config.Config, deps Dependencies, logger *logger.StyledLogger) *Application {
	return &Application{
		Config:        cfg,
		logger:        logger,
		deps:          deps,
		routeRegistry: router.NewRouteRegistry(logger),
		StartTime:     time.Now(),
	}
}

// GetRouteRegistry returns the route registry for wiring up routes
func (a *Application) GetRouteRegistry() *router.RouteRegistry {
	return a.routeRegistry
}

// GetSecurityAdapters returns the edge security middleware set
func (a *Application) GetSecurityAdapters() *security.Adapters {
	return a.deps.Security
}

// SetShuttingDown flips the gate that rejects new invocations during
// graceful shutdown.
func (a *Application) SetShuttingDown() {
	a.shuttingDown.Store(true)
}

// RegisterRoutes sets up the complete HTTP routing table
func (a *Application) RegisterRoutes() {
	// Health and version first; operations depend on these regardless
	// of downstream state.
	a.routeRegistry.RegisterWithMethod("/health", a.healthHandler, "Aggregate health", "GET")
	a.routeRegistry.RegisterWithMethod("/health/ready", a.readyHandler, "Readiness probe", "GET")
	a.routeRegistry.RegisterWithMethod("/version", a.versionHandler, "Gantry version information", "GET")

	a.routeRegistry.RegisterWithMethod("/tools", a.listToolsHandler, "Tool catalog with search and filters", "GET")
	a.routeRegistry.RegisterWithMethod("/tools/search", a.searchToolsHandler, "Tool search", "GET")
	a.routeRegistry.RegisterWithMethod("/tools/categories", a.toolCategoriesHandler, "Tool counts per category", "GET")
	a.routeRegistry.RegisterWithMethod("/tools/batch", a.batchInvokeHandler, "Batch tool invocation", "POST")
	// Qualified tool names contain a slash, so the invoke route takes
	// the remainder of the path and strips the /invoke suffix itself.
	a.routeRegistry.RegisterWithMethod("/tools/{rest...}", a.invokeHandler, "Tool invocation", "POST")

	a.routeRegistry.RegisterWithMethod("/servers", a.listServersHandler, "Server registry listing", "GET")
	a.routeRegistry.RegisterWithMethod("/servers", a.createServerHandler, "Register a tool server", "POST")
	a.routeRegistry.RegisterWithMethod("/servers/{id}", a.getServerHandler, "Server detail", "GET")
	a.routeRegistry.RegisterWithMethod("/servers/{id}", a.updateServerHandler, "Update a tool server", "PUT")
	a.routeRegistry.RegisterWithMethod("/servers/{id}", a.deleteServerHandler, "Remove a tool server", "DELETE")
	a.routeRegistry.RegisterWithMethod("/servers/{id}/connect", a.connectServerHandler, "Connect a tool server", "POST")
	a.routeRegistry.RegisterWithMethod("/servers/{id}/disconnect", a.disconnectServerHandler, "Disconnect a tool server", "POST")
	a.routeRegistry.RegisterWithMethod("/servers/{id}/enable", a.setEnabledHandler(true), "Enable a tool server", "POST")
	a.routeRegistry.RegisterWithMethod("/servers/{id}/disable", a.setEnabledHandler(false), "Disable a tool server", "POST")
	a.routeRegistry.RegisterWithMethod("/servers/{id}/tools", a.serverToolsHandler, "Tools registered by one server", "GET")

	a.routeRegistry.RegisterWithMethod("/webhooks", a.listWebhooksHandler, "Webhook subscriptions", "GET")
	a.routeRegistry.RegisterWithMethod("/webhooks", a.createWebhookHandler, "Create webhook subscription", "POST")
	a.routeRegistry.RegisterWithMethod("/webhooks/{id}", a.getWebhookHandler, "Webhook subscription detail", "GET")
	a.routeRegistry.RegisterWithMethod("/webhooks/{id}", a.deleteWebhookHandler, "Delete webhook subscription", "DELETE")
	a.routeRegistry.RegisterWithMethod("/webhooks/{id}/test", a.testWebhookHandler, "Send a test delivery", "POST")
	a.routeRegistry.RegisterWithMethod("/webhooks/{id}/deliveries", a.webhookDeliveriesHandler, "Recent delivery attempts", "GET")

	if a.deps.Broker != nil {
		a.routeRegistry.RegisterWithMethod("/sse/events", a.deps.Broker.ServeHTTP, "Lifecycle event stream", "GET")
	}
	if a.deps.Metrics != nil {
		a.routeRegistry.RegisterWithMethod("/metrics", a.deps.Metrics.ServeHTTP, "Prometheus metrics", "GET")
	}
}

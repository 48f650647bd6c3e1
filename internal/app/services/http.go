package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sevrin/gantry/internal/adapter/security"
	"github.com/sevrin/gantry/internal/app/handlers"
	"github.com/sevrin/gantry/internal/app/middleware"
	"github.com/sevrin/gantry/internal/config"
	"github.com/sevrin/gantry/internal/logger"
)

// HTTPService manages the HTTP server lifecycle and route registration. It coordinates
// with other services to ensure the server only starts accepting requests after all
// dependencies are initialised.
type HTTPService struct {
	config      *config.Config
	logger      *logger.StyledLogger
	storageSvc  *StorageService
	eventsSvc   *EventsService
	gatewaySvc  *GatewayService
	webhookSvc  *WebhookService
	metricsSvc  *MetricsService
	application *handlers.Application
	secAdapters *security.Adapters
	server      *http.Server
}

// NewHTTPService creates a new HTTP service
func NewHTTPService(config *config.Config, logger *logger.StyledLogger) *HTTPService {
	return &HTTPService{
		config: config,
		logger: logger,
	}
}

// Name returns the service name
func (s *HTTPService) Name() string {
	return "http"
}

// SetDependencies sets all dependencies at once
func (s *HTTPService) SetDependencies(storage *StorageService, events *EventsService, gateway *GatewayService, webhooks *WebhookService, metrics *MetricsService) {
	s.storageSvc = storage
	s.eventsSvc = events
	s.gatewaySvc = gateway
	s.webhookSvc = webhooks
	s.metricsSvc = metrics
}

// Start initialises and starts the HTTP server
func (s *HTTPService) Start(ctx context.Context) error {
	s.logger.Info("Initialising HTTP service")

	if s.storageSvc == nil || s.eventsSvc == nil || s.gatewaySvc == nil || s.webhookSvc == nil || s.metricsSvc == nil {
		return fmt.Errorf("http service dependencies not set")
	}

	store := s.storageSvc.Store()
	s.secAdapters = security.NewSecurityAdapters(s.config, s.metricsSvc.Metrics(), s.logger)

	s.application = handlers.NewApplication(s.config, handlers.Dependencies{
		Router:     s.gatewaySvc.Router(),
		Tools:      s.gatewaySvc.Registry(),
		Pool:       s.gatewaySvc.Pool(),
		Servers:    store,
		Webhooks:   store,
		Bus:        s.eventsSvc.Bus(),
		Usage:      store,
		Controller: s.gatewaySvc,
		Tester:     s.webhookSvc.Deliverer(),
		Broker:     s.gatewaySvc.Broker(),
		Metrics:    s.metricsSvc.Metrics().Handler(),
		Security:   s.secAdapters,
	}, s.logger)

	s.application.RegisterRoutes()

	mux := http.NewServeMux()
	s.application.GetRouteRegistry().WireUpWithSecurityChain(mux, s.secAdapters)

	handler := http.Handler(mux)
	handler = middleware.APIKeyMiddleware(store, s.logger)(handler)
	if s.config.Server.RequestLogging {
		handler = middleware.RequestLoggingMiddleware(s.logger)(handler)
	}

	s.server = &http.Server{
		Addr:         s.config.Server.GetAddress(),
		Handler:      handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	go func() {
		s.logger.Info("HTTP server listening",
			"address", s.server.Addr,
			"readTimeout", s.config.Server.ReadTimeout,
			"writeTimeout", s.config.Server.WriteTimeout,
			"idleTimeout", s.config.Server.IdleTimeout)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	// Brief pause ensures the listener is established before returning
	time.Sleep(100 * time.Millisecond)

	s.logger.Info("Gantry started, waiting for requests...", "bind", s.server.Addr)

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *HTTPService) Stop(ctx context.Context) error {
	s.logger.Info(" Stopping HTTP server...")
	defer func() {
		s.logger.ResetLine()
		s.logger.InfoWithStatus("Stopping HTTP server", "OK")
	}()

	if s.application != nil {
		s.application.SetShuttingDown()
	}
	if s.secAdapters != nil {
		s.secAdapters.Stop()
	}

	if s.server != nil {
		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
			return err
		}
	}
	return nil
}

// Dependencies returns service dependencies
func (s *HTTPService) Dependencies() []string {
	return []string{"storage", "events", "gateway", "webhooks", "metrics"}
}

// Application exposes the handler set, primarily for tests
func (s *HTTPService) Application() *handlers.Application {
	return s.application
}

// Package app boots the gateway: configuration, service assembly and
// the orchestrated lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sevrin/gantry/internal/app/services"
	"github.com/sevrin/gantry/internal/config"
	"github.com/sevrin/gantry/internal/logger"
)

// ForceExitTimeout bounds total shutdown beyond the per-service
// deadlines. Anything still running after this is abandoned.
const ForceExitTimeout = 45 * time.Second

// Application represents the Gantry application
type Application struct {
	config  *config.Config
	logger  *logger.StyledLogger
	manager *services.ServiceManager
}

// New creates a new application instance
func New(startTime time.Time, logger *logger.StyledLogger) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Filename != "" {
		logger.Info("Configuration loaded", "file", cfg.Filename)
	} else {
		logger.Info("No configuration file found, using defaults and environment")
	}

	manager := services.NewServiceManager(logger)

	storage := services.NewStorageService(cfg, logger)
	events := services.NewEventsService(cfg, logger)
	gateway := services.NewGatewayService(cfg, logger)
	webhooks := services.NewWebhookService(cfg, logger)
	metrics := services.NewMetricsService(cfg, logger)
	httpSvc := services.NewHTTPService(cfg, logger)

	gateway.SetDependencies(storage, events)
	webhooks.SetDependencies(storage, events)
	metrics.SetDependencies(events, gateway)
	httpSvc.SetDependencies(storage, events, gateway, webhooks, metrics)

	for _, svc := range []services.ManagedService{storage, events, gateway, webhooks, metrics, httpSvc} {
		if err := manager.Register(svc); err != nil {
			return nil, err
		}
	}

	return &Application{
		config:  cfg,
		logger:  logger,
		manager: manager,
	}, nil
}

// Config returns the loaded configuration
func (a *Application) Config() *config.Config {
	return a.config
}

// Services returns the service registry for runtime lookups
func (a *Application) Services() *services.ServiceRegistry {
	return a.manager.GetRegistry()
}

// Start brings all services up in dependency order
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts all services down in reverse order, bounded by the
// configured shutdown timeout with a hard outer deadline.
func (a *Application) Stop(ctx context.Context) error {
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if timeout > ForceExitTimeout {
		timeout = ForceExitTimeout
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return a.manager.Stop(shutdownCtx)
}

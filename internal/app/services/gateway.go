package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sevrin/gantry/internal/adapter/auth"
	"github.com/sevrin/gantry/internal/adapter/breaker"
	"github.com/sevrin/gantry/internal/adapter/cache"
	"github.com/sevrin/gantry/internal/adapter/gateway"
	connpool "github.com/sevrin/gantry/internal/adapter/pool"
	"github.com/sevrin/gantry/internal/adapter/ratelimit"
	toolreg "github.com/sevrin/gantry/internal/adapter/registry"
	"github.com/sevrin/gantry/internal/adapter/sse"
	"github.com/sevrin/gantry/internal/config"
	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
)

const listToolsTimeout = 10 * time.Second

// GatewayService assembles the invocation pipeline: token cache,
// connection pool, tool registry, response cache, rate limiter, breaker
// registry and the router that ties them together. Start seeds servers
// from the config file and connects everything enabled.
type GatewayService struct {
	config     *config.Config
	logger     *logger.StyledLogger
	storageSvc *StorageService
	eventsSvc  *EventsService

	tokens   *auth.TokenCache
	pool     *connpool.Pool
	registry *toolreg.ToolRegistry
	cache    *cache.ResponseCache
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	router   *gateway.Router
	broker   *sse.Broker
}

// NewGatewayService creates a new gateway service
func NewGatewayService(config *config.Config, logger *logger.StyledLogger) *GatewayService {
	return &GatewayService{
		config: config,
		logger: logger,
	}
}

// Name returns the service name
func (s *GatewayService) Name() string {
	return "gateway"
}

// SetDependencies sets all dependencies at once
func (s *GatewayService) SetDependencies(storage *StorageService, events *EventsService) {
	s.storageSvc = storage
	s.eventsSvc = events
}

// Start assembles the pipeline, seeds configured servers and connects
// everything enabled
func (s *GatewayService) Start(ctx context.Context) error {
	s.logger.Info("Initialising gateway service")

	if s.storageSvc == nil || s.eventsSvc == nil {
		return fmt.Errorf("gateway service dependencies not set")
	}

	store := s.storageSvc.Store()
	bus := s.eventsSvc.Bus()

	nameFor := func(serverID string) string {
		lookupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		cfg, err := store.Get(lookupCtx, serverID)
		if err != nil {
			return serverID
		}
		return cfg.Name
	}
	s.breakers = breaker.NewRegistry(s.config.Gateway.Breaker.Settings(), store, bus, nameFor, s.logger)

	s.tokens = auth.NewTokenCache(s.logger)
	s.pool = connpool.New(s.tokens, bus, s.breakers, s.logger)
	s.registry = toolreg.NewToolRegistry(s.logger)

	responseCache, err := cache.NewResponseCache(store, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create response cache: %w", err)
	}
	s.cache = responseCache

	s.limiter = ratelimit.New(store, s.logger)

	s.router = gateway.NewRouter(
		store,
		s.registry,
		s.breakers,
		s.limiter,
		s.cache,
		s.pool,
		bus,
		store,
		gateway.Options{TimeoutMultiplier: s.config.Gateway.TimeoutMultiplier},
		s.logger,
	)

	s.broker = sse.NewBroker(bus, s.config.Gateway.SSEKeepalive, s.logger)

	if err := s.seedServers(ctx, store); err != nil {
		return err
	}

	s.connectEnabled(ctx, store)
	return nil
}

// seedServers upserts config-file servers by name. Records created over
// the API keep their settings; seeding never overwrites an existing row.
func (s *GatewayService) seedServers(ctx context.Context, store ports.ServerStore) error {
	for i := range s.config.Servers {
		seed := s.config.Servers[i].ToServerConfig()

		if seed.RateLimits.PerMinute == 0 {
			seed.RateLimits.PerMinute = s.config.Gateway.RateLimitDefaults.PerMinute
		}
		if seed.RateLimits.PerDay == 0 {
			seed.RateLimits.PerDay = s.config.Gateway.RateLimitDefaults.PerDay
		}

		existing, err := store.GetByName(ctx, seed.Name)
		if err == nil && existing != nil {
			s.logger.Debug("Server already registered, keeping stored settings", "name", seed.Name)
			continue
		}

		if err := store.Create(ctx, seed); err != nil {
			return fmt.Errorf("failed to seed server %s: %w", seed.Name, err)
		}
		s.logger.Info("Seeded server from config", "name", seed.Name, "transport", string(seed.Transport.Kind))
	}
	return nil
}

// connectEnabled connects every enabled server in parallel. Individual
// failures are logged, not fatal: health checks and manual reconnects
// recover them later.
func (s *GatewayService) connectEnabled(ctx context.Context, store ports.ServerStore) {
	configs, err := store.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list servers for startup connect", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		wg.Add(1)
		go func(cfg *domain.ServerConfig) {
			defer wg.Done()
			if err := s.ConnectServer(ctx, cfg); err != nil {
				s.logger.Warn("Server connect failed at startup", "name", cfg.Name, "error", err)
			}
		}(cfg)
	}
	wg.Wait()

	connected := 0
	for _, conn := range s.pool.AllConnections() {
		if conn.Status == domain.ConnectionConnected {
			connected++
		}
	}
	s.logger.InfoWithCount("Servers connected", connected)
}

// ConnectServer connects one server and registers its tools. Used at
// startup and by the control-plane connect endpoint.
func (s *GatewayService) ConnectServer(ctx context.Context, cfg *domain.ServerConfig) error {
	if err := s.pool.Connect(ctx, cfg); err != nil {
		return err
	}

	client, ok := s.pool.Client(cfg.ID)
	if !ok {
		return &domain.NotConnectedError{ServerID: cfg.ID, ServerName: cfg.Name}
	}

	listCtx, cancel := context.WithTimeout(ctx, listToolsTimeout)
	defer cancel()
	tools, err := client.ListTools(listCtx)
	if err != nil {
		return fmt.Errorf("failed to list tools for %s: %w", cfg.Name, err)
	}

	entries := s.registry.RegisterServerTools(cfg, tools)
	s.logger.Info("Server connected", "name", cfg.Name, "tools", len(entries))
	return nil
}

// DisconnectServer tears a server down and drops its tools from the
// catalog.
func (s *GatewayService) DisconnectServer(ctx context.Context, serverID string) error {
	removed := s.registry.UnregisterServer(serverID)
	if err := s.pool.Disconnect(ctx, serverID); err != nil {
		return err
	}
	s.logger.Debug("Server disconnected", "server_id", serverID, "tools_removed", removed)
	return nil
}

// Stop drains the pipeline back to front
func (s *GatewayService) Stop(ctx context.Context) error {
	var firstErr error

	if s.pool != nil {
		if err := s.pool.Shutdown(ctx); err != nil {
			s.logger.Error("Pool shutdown error", "error", err)
			firstErr = err
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Close(ctx); err != nil {
			s.logger.Error("Rate limiter close error", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(ctx); err != nil {
			s.logger.Error("Response cache close error", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.logger.InfoWithStatus("Stopping gateway", "OK")
	return firstErr
}

// Dependencies returns service dependencies
func (s *GatewayService) Dependencies() []string {
	return []string{"storage", "events"}
}

// Router returns the invocation router
func (s *GatewayService) Router() ports.Router { return s.router }

// Registry returns the tool catalog
func (s *GatewayService) Registry() ports.ToolRegistry { return s.registry }

// Pool returns the connection pool
func (s *GatewayService) Pool() ports.ConnectionPool { return s.pool }

// Cache returns the response cache
func (s *GatewayService) Cache() ports.ResponseCache { return s.cache }

// Breakers returns the breaker registry
func (s *GatewayService) Breakers() ports.BreakerRegistry { return s.breakers }

// Limiter returns the per-caller rate limiter
func (s *GatewayService) Limiter() ports.RateLimiter { return s.limiter }

// Broker returns the SSE fan-out broker
func (s *GatewayService) Broker() *sse.Broker { return s.broker }

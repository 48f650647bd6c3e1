package services

import (
	"context"

	"github.com/sevrin/gantry/internal/adapter/events"
	"github.com/sevrin/gantry/internal/config"
	"github.com/sevrin/gantry/internal/logger"
)

// EventsService owns the in-process lifecycle event bus. Everything that
// publishes or fans out events (pool, breakers, SSE, webhooks, metrics)
// rides this single bus.
type EventsService struct {
	config *config.Config
	bus    *events.GatewayBus
	logger *logger.StyledLogger
}

// NewEventsService creates a new events service
func NewEventsService(config *config.Config, logger *logger.StyledLogger) *EventsService {
	return &EventsService{
		config: config,
		logger: logger,
	}
}

// Name returns the service name
func (s *EventsService) Name() string {
	return "events"
}

// Start creates the bus
func (s *EventsService) Start(ctx context.Context) error {
	s.bus = events.NewGatewayBus(s.config.Gateway.EventBufferSize)
	s.logger.Debug("Event bus ready", "buffer_size", s.config.Gateway.EventBufferSize)
	return nil
}

// Stop shuts the bus down, closing all subscriber channels
func (s *EventsService) Stop(ctx context.Context) error {
	if s.bus != nil {
		s.bus.Shutdown()
	}
	s.logger.InfoWithStatus("Stopping event bus", "OK")
	return nil
}

// Dependencies returns service dependencies
func (s *EventsService) Dependencies() []string {
	return nil
}

// Bus returns the shared event bus
func (s *EventsService) Bus() *events.GatewayBus {
	return s.bus
}

package services

import (
	"context"
	"fmt"

	"github.com/sevrin/gantry/internal/adapter/metrics"
	"github.com/sevrin/gantry/internal/config"
	"github.com/sevrin/gantry/internal/logger"
)

// MetricsService owns the Prometheus registry and the bridge that folds
// bus events into it. Gauges over live state (SSE clients, cache stats)
// are registered once the gateway service is up.
type MetricsService struct {
	config     *config.Config
	logger     *logger.StyledLogger
	eventsSvc  *EventsService
	gatewaySvc *GatewayService
	metrics    *metrics.Metrics
	bridge     *metrics.Bridge
}

// NewMetricsService creates a new metrics service
func NewMetricsService(config *config.Config, logger *logger.StyledLogger) *MetricsService {
	return &MetricsService{
		config:  config,
		logger:  logger,
		metrics: metrics.New(),
	}
}

// Name returns the service name
func (s *MetricsService) Name() string {
	return "metrics"
}

// SetDependencies sets all dependencies at once
func (s *MetricsService) SetDependencies(events *EventsService, gateway *GatewayService) {
	s.eventsSvc = events
	s.gatewaySvc = gateway
}

// Start wires the live gauges and begins folding bus events
func (s *MetricsService) Start(ctx context.Context) error {
	if s.eventsSvc == nil || s.gatewaySvc == nil {
		return fmt.Errorf("metrics service dependencies not set")
	}

	broker := s.gatewaySvc.Broker()
	s.metrics.RegisterSSEClients(broker.ActiveClients)
	s.metrics.RegisterCacheStats(s.gatewaySvc.Cache().Stats)

	s.bridge = metrics.NewBridge(s.metrics, s.eventsSvc.Bus(), s.logger)
	return s.bridge.Start(ctx)
}

// Stop halts the event bridge
func (s *MetricsService) Stop(ctx context.Context) error {
	if s.bridge != nil {
		if err := s.bridge.Stop(ctx); err != nil {
			return err
		}
	}
	s.logger.InfoWithStatus("Stopping metrics bridge", "OK")
	return nil
}

// Dependencies returns service dependencies
func (s *MetricsService) Dependencies() []string {
	return []string{"events", "gateway"}
}

// Metrics returns the collector set
func (s *MetricsService) Metrics() *metrics.Metrics {
	return s.metrics
}

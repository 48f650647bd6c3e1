package services

import (
	"context"
	"fmt"

	"github.com/sevrin/gantry/internal/adapter/webhook"
	"github.com/sevrin/gantry/internal/config"
	"github.com/sevrin/gantry/internal/logger"
)

// WebhookService runs the webhook deliverer over the event bus.
type WebhookService struct {
	config     *config.Config
	logger     *logger.StyledLogger
	storageSvc *StorageService
	eventsSvc  *EventsService
	deliverer  *webhook.Deliverer
}

// NewWebhookService creates a new webhook service
func NewWebhookService(config *config.Config, logger *logger.StyledLogger) *WebhookService {
	return &WebhookService{
		config: config,
		logger: logger,
	}
}

// Name returns the service name
func (s *WebhookService) Name() string {
	return "webhooks"
}

// SetDependencies sets all dependencies at once
func (s *WebhookService) SetDependencies(storage *StorageService, events *EventsService) {
	s.storageSvc = storage
	s.eventsSvc = events
}

// Start subscribes the deliverer to the event stream
func (s *WebhookService) Start(ctx context.Context) error {
	if s.storageSvc == nil || s.eventsSvc == nil {
		return fmt.Errorf("webhook service dependencies not set")
	}

	s.deliverer = webhook.NewDeliverer(s.storageSvc.Store(), s.eventsSvc.Bus(), s.logger)
	if err := s.deliverer.Start(ctx); err != nil {
		return err
	}
	s.logger.Debug("Webhook deliverer started")
	return nil
}

// Stop cancels pending retries and waits for in-flight deliveries
func (s *WebhookService) Stop(ctx context.Context) error {
	if s.deliverer != nil {
		s.deliverer.Stop(ctx)
	}
	s.logger.InfoWithStatus("Stopping webhook deliverer", "OK")
	return nil
}

// Dependencies returns service dependencies
func (s *WebhookService) Dependencies() []string {
	return []string{"storage", "events"}
}

// Deliverer returns the running deliverer
func (s *WebhookService) Deliverer() *webhook.Deliverer {
	return s.deliverer
}

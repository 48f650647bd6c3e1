package services

import (
	"context"
	"fmt"

	"github.com/sevrin/gantry/internal/adapter/store/sqlite"
	"github.com/sevrin/gantry/internal/config"
	"github.com/sevrin/gantry/internal/logger"
)

// StorageService owns the SQLite handle every other service persists
// through. It opens the database and runs migrations before anything
// that depends on it starts.
type StorageService struct {
	config *config.Config
	store  *sqlite.Store
	logger *logger.StyledLogger
}

// NewStorageService creates a new storage service
func NewStorageService(config *config.Config, logger *logger.StyledLogger) *StorageService {
	return &StorageService{
		config: config,
		logger: logger,
	}
}

// Name returns the service name
func (s *StorageService) Name() string {
	return "storage"
}

// Start opens the database and applies pending migrations
func (s *StorageService) Start(ctx context.Context) error {
	s.logger.Info("Initialising storage", "path", s.config.Storage.DBPath)

	store, err := sqlite.Open(s.config.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", s.config.Storage.DBPath, err)
	}

	if err := store.Ping(ctx); err != nil {
		store.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}

	s.store = store
	return nil
}

// Stop closes the database handle
func (s *StorageService) Stop(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close database", "error", err)
		return err
	}
	s.logger.InfoWithStatus("Stopping storage", "OK")
	return nil
}

// Dependencies returns service dependencies
func (s *StorageService) Dependencies() []string {
	return nil
}

// Store returns the shared database handle
func (s *StorageService) Store() *sqlite.Store {
	return s.store
}

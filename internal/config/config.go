// Package config loads gateway configuration from YAML and the
// environment. Environment variables use the GANTRY_ prefix with dots
// replaced by underscores (GANTRY_SERVER_PORT, GANTRY_STORAGE_DB_PATH).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/pkg/container"
)

const (
	DefaultPort = 19810
	DefaultHost = "localhost"
	DefaultDB   = "gantry.db"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	// Inside a container "localhost" is unreachable from the outside,
	// so bind wide by default there.
	host := DefaultHost
	if container.IsContainerised() {
		host = "0.0.0.0"
	}

	return &Config{
		Server: ServerConfig{
			Host:            host,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestLogging:  true,
		},
		Storage: StorageConfig{
			DBPath: DefaultDB,
		},
		Gateway: GatewayConfig{
			EventBufferSize:   64,
			TimeoutMultiplier: domain.DefaultInvocationTimeoutMultiplier,
			SSEKeepalive:      30 * time.Second,
			RateLimitDefaults: RateLimitDefaults{
				PerMinute: domain.DefaultPerMinuteLimit,
				PerDay:    domain.DefaultPerDayLimit,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("GANTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("GANTRY_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.Filename = viper.ConfigFileUsed()

	// DB_PATH is honoured unprefixed for container deployments.
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		config.Storage.DBPath = dbPath
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	viper.WatchConfig()

	return config, nil
}

package config

import (
	"fmt"
	"net"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
)

// Config holds all configuration for the gateway.
type Config struct {
	Filename    string            `yaml:"-"`
	Logging     LoggingConfig     `yaml:"logging"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Servers     []SeedServer      `yaml:"servers"`
	Engineering EngineeringConfig `yaml:"engineering"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string              `yaml:"host"`
	RateLimits      ServerRateLimits    `yaml:"rate_limits"`
	RequestLimits   ServerRequestLimits `yaml:"request_limits"`
	Port            int                 `yaml:"port"`
	ReadTimeout     time.Duration       `yaml:"read_timeout"`
	WriteTimeout    time.Duration       `yaml:"write_timeout"`
	IdleTimeout     time.Duration       `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	RequestLogging  bool                `yaml:"request_logging"`
}

// GetAddress returns the server address in host:port format.
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ServerRequestLimits defines request size and validation limits.
type ServerRequestLimits struct {
	MaxBodySize   int64 `yaml:"max_body_size"`
	MaxHeaderSize int64 `yaml:"max_header_size"`
}

// ServerRateLimits defines edge rate limiting for the control plane.
// These guard the HTTP surface itself; per-caller invocation budgets
// live on each tool server's record.
type ServerRateLimits struct {
	TrustedProxyCIDRs       []string      `yaml:"trusted_proxy_cidrs"`
	TrustedProxyCIDRsParsed []*net.IPNet  // to avoid parsing every time :D
	GlobalRequestsPerMinute int           `yaml:"global_requests_per_minute"`
	PerIPRequestsPerMinute  int           `yaml:"per_ip_requests_per_minute"`
	BurstSize               int           `yaml:"burst_size"`
	HealthRequestsPerMinute int           `yaml:"health_requests_per_minute"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`
	TrustProxyHeaders       bool          `yaml:"trust_proxy_headers"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// GatewayConfig tunes the invocation pipeline.
type GatewayConfig struct {
	EventBufferSize   int                  `yaml:"event_buffer_size"`
	TimeoutMultiplier int                  `yaml:"timeout_multiplier"`
	SSEKeepalive      time.Duration        `yaml:"sse_keepalive"`
	Breaker           BreakerSettingsYAML  `yaml:"circuit_breaker"`
	RateLimitDefaults RateLimitDefaults    `yaml:"rate_limit_defaults"`
}

// BreakerSettingsYAML mirrors domain.BreakerSettings for file config.
type BreakerSettingsYAML struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	VolumeThreshold  int           `yaml:"volume_threshold"`
}

// Settings converts to the domain shape, applying defaults for zeroes.
func (b BreakerSettingsYAML) Settings() domain.BreakerSettings {
	s := domain.DefaultBreakerSettings()
	if b.FailureThreshold > 0 {
		s.FailureThreshold = b.FailureThreshold
	}
	if b.SuccessThreshold > 0 {
		s.SuccessThreshold = b.SuccessThreshold
	}
	if b.Timeout > 0 {
		s.Timeout = b.Timeout
	}
	if b.VolumeThreshold > 0 {
		s.VolumeThreshold = b.VolumeThreshold
	}
	return s
}

// RateLimitDefaults apply to servers that do not set their own budgets.
type RateLimitDefaults struct {
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

// SeedServer is a tool server declared in the config file. Seeds are
// upserted by name at startup; records created over the API win on
// conflict only when the file entry is unchanged.
type SeedServer struct {
	Name      string            `yaml:"name"`
	Transport TransportYAML     `yaml:"transport"`
	Auth      AuthYAML          `yaml:"auth"`
	Health    HealthYAML        `yaml:"health_check"`
	Limits    RateLimitDefaults `yaml:"rate_limits"`
	Tags      []string          `yaml:"tags"`
	Category  string            `yaml:"category"`
	CacheTTL  time.Duration     `yaml:"cache_ttl"`
	Enabled   *bool             `yaml:"enabled"`
}

type TransportYAML struct {
	Kind    string            `yaml:"kind"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type AuthYAML struct {
	Kind         string   `yaml:"kind"`
	Header       string   `yaml:"header"`
	Prefix       string   `yaml:"prefix"`
	Key          string   `yaml:"key"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

type HealthYAML struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ToServerConfig converts a seed into the domain record the registry
// persists.
func (s *SeedServer) ToServerConfig() *domain.ServerConfig {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	auth := s.Auth.Kind
	if auth == "" {
		auth = string(domain.AuthNone)
	}
	cfg := &domain.ServerConfig{
		Name: s.Name,
		Transport: domain.TransportConfig{
			Kind:    domain.TransportKind(s.Transport.Kind),
			Command: s.Transport.Command,
			Args:    s.Transport.Args,
			Env:     s.Transport.Env,
			URL:     s.Transport.URL,
			Headers: s.Transport.Headers,
		},
		Auth: domain.AuthConfig{
			Kind:         domain.AuthKind(auth),
			Header:       s.Auth.Header,
			Prefix:       s.Auth.Prefix,
			Key:          s.Auth.Key,
			ClientID:     s.Auth.ClientID,
			ClientSecret: s.Auth.ClientSecret,
			TokenURL:     s.Auth.TokenURL,
			Scopes:       s.Auth.Scopes,
		},
		HealthCheck: domain.HealthCheckConfig{
			Enabled:  s.Health.Enabled,
			Interval: s.Health.Interval,
			Timeout:  s.Health.Timeout,
		},
		RateLimits: domain.RateLimitConfig{
			PerMinute: s.Limits.PerMinute,
			PerDay:    s.Limits.PerDay,
		},
		Metadata: domain.ServerMetadata{
			Tags:     s.Tags,
			Category: s.Category,
			CacheTTL: s.CacheTTL,
		},
		Enabled: enabled,
	}
	cfg.HealthCheck.Normalise()
	return cfg
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// EngineeringConfig holds development/debugging configuration.
type EngineeringConfig struct {
	ShowNerdStats   bool   `yaml:"show_nerdstats"`
	ProfilerEnabled bool   `yaml:"profiler_enabled"`
	ProfilerAddress string `yaml:"profiler_address"`
}

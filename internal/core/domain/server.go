package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TransportKind identifies how the gateway talks to a tool server.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
	TransportHTTP  TransportKind = "http"
)

// TransportConfig is a tagged union over the three supported transports.
// Command/Args/Env apply to stdio; URL/Headers apply to sse and http.
type TransportConfig struct {
	Kind    TransportKind     `json:"kind" mapstructure:"kind"`
	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
	URL     string            `json:"url,omitempty" mapstructure:"url"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
}

type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "api_key"
	AuthOAuth2 AuthKind = "oauth2"
)

// AuthConfig describes how outbound requests to a tool server are
// authenticated. Header/Prefix/Key apply to api_key; the remaining
// fields drive the OAuth2 client-credentials flow.
type AuthConfig struct {
	Kind         AuthKind `json:"kind" mapstructure:"kind"`
	Header       string   `json:"header,omitempty" mapstructure:"header"`
	Prefix       string   `json:"prefix,omitempty" mapstructure:"prefix"`
	Key          string   `json:"key,omitempty" mapstructure:"key"`
	ClientID     string   `json:"clientId,omitempty" mapstructure:"client_id"`
	ClientSecret string   `json:"clientSecret,omitempty" mapstructure:"client_secret"`
	TokenURL     string   `json:"tokenUrl,omitempty" mapstructure:"token_url"`
	Scopes       []string `json:"scopes,omitempty" mapstructure:"scopes"`
}

const (
	MinHealthCheckInterval = time.Second
	MinHealthCheckTimeout  = 100 * time.Millisecond
)

type HealthCheckConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Interval time.Duration `json:"intervalMs" mapstructure:"interval"`
	Timeout  time.Duration `json:"timeoutMs" mapstructure:"timeout"`
}

// Normalise clamps interval and timeout to their minimums.
func (h *HealthCheckConfig) Normalise() {
	if h.Interval < MinHealthCheckInterval {
		h.Interval = MinHealthCheckInterval
	}
	if h.Timeout < MinHealthCheckTimeout {
		h.Timeout = MinHealthCheckTimeout
	}
}

// RateLimitConfig caps invocations per caller against a server.
// Zero values mean "use the gateway defaults".
type RateLimitConfig struct {
	PerMinute int `json:"perMinute" mapstructure:"per_minute"`
	PerDay    int `json:"perDay" mapstructure:"per_day"`
}

type ServerMetadata struct {
	Tags     []string      `json:"tags,omitempty" mapstructure:"tags"`
	Category string        `json:"category,omitempty" mapstructure:"category"`
	CacheTTL time.Duration `json:"cacheTtl,omitempty" mapstructure:"cache_ttl"`
}

// ServerConfig is the persisted description of a downstream tool server.
// Names are unique across the registry; disabling a server keeps its row.
type ServerConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name" mapstructure:"name"`
	Transport   TransportConfig   `json:"transport" mapstructure:"transport"`
	Auth        AuthConfig        `json:"auth" mapstructure:"auth"`
	HealthCheck HealthCheckConfig `json:"healthCheck" mapstructure:"health_check"`
	RateLimits  RateLimitConfig   `json:"rateLimits" mapstructure:"rate_limits"`
	Metadata    ServerMetadata    `json:"metadata" mapstructure:"metadata"`
	Enabled     bool              `json:"enabled" mapstructure:"enabled"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Validate checks the shape of a server config before it is persisted.
func (s *ServerConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if strings.Contains(s.Name, "/") {
		return &ValidationError{Field: "name", Reason: "must not contain '/'"}
	}
	switch s.Transport.Kind {
	case TransportStdio:
		if s.Transport.Command == "" {
			return &ValidationError{Field: "transport.command", Reason: "required for stdio transport"}
		}
	case TransportSSE, TransportHTTP:
		if s.Transport.URL == "" {
			return &ValidationError{Field: "transport.url", Reason: "required for " + string(s.Transport.Kind) + " transport"}
		}
	default:
		return &ValidationError{Field: "transport.kind", Reason: "must be one of stdio, sse, http"}
	}
	switch s.Auth.Kind {
	case "", AuthNone:
	case AuthAPIKey:
		if s.Auth.Header == "" || s.Auth.Key == "" {
			return &ValidationError{Field: "auth", Reason: "api_key auth requires header and key"}
		}
	case AuthOAuth2:
		if s.Auth.ClientID == "" || s.Auth.TokenURL == "" {
			return &ValidationError{Field: "auth", Reason: "oauth2 auth requires clientId and tokenUrl"}
		}
	default:
		return &ValidationError{Field: "auth.kind", Reason: "must be one of none, api_key, oauth2"}
	}
	return nil
}

// InvocationTimeout derives the per-call deadline from the health check
// timeout. The multiplier is a gateway knob; anything below 1 falls
// back to the default.
func (s *ServerConfig) InvocationTimeout(multiplier int) time.Duration {
	if multiplier < 1 {
		multiplier = DefaultInvocationTimeoutMultiplier
	}
	timeout := s.HealthCheck.Timeout
	if timeout < MinHealthCheckTimeout {
		timeout = DefaultHealthCheckTimeout
	}
	return timeout * time.Duration(multiplier)
}

const (
	DefaultInvocationTimeoutMultiplier = 4
	DefaultHealthCheckInterval         = 30 * time.Second
	DefaultHealthCheckTimeout          = 5 * time.Second
	DefaultCacheTTL                    = 5 * time.Minute
)

// MarshalTransport round-trips the transport descriptor for storage.
func (s *ServerConfig) MarshalTransport() ([]byte, error) { return json.Marshal(s.Transport) }
func (s *ServerConfig) MarshalAuth() ([]byte, error)      { return json.Marshal(s.Auth) }

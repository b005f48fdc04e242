// Package config defines the gateway configuration model, its YAML loader
// with environment variable substitution, and a file watcher for hot reload.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/confusedev/trafficgate/internal/observability"
)

// GatewayConfig is the root configuration.
type GatewayConfig struct {
	Server    ServerConfig            `yaml:"server" json:"server"`
	Log       observability.LogConfig `yaml:"log" json:"log"`
	Admission AdmissionConfig         `yaml:"admission" json:"admission"`
	RateLimit RateLimitConfig         `yaml:"rateLimit" json:"rateLimit"`
	Cache     CacheConfig             `yaml:"cache" json:"cache"`
	Breaker   BreakerConfig           `yaml:"circuitBreaker" json:"circuitBreaker"`
	Events    EventsConfig            `yaml:"events" json:"events"`
	Redis     RedisConfig             `yaml:"redis" json:"redis"`
	Services  ServicesConfig          `yaml:"services" json:"services"`
	Tracing   TracingConfig           `yaml:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string   `yaml:"host" json:"host"`
	Port            int      `yaml:"port" json:"port"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`

	// TrustedProxies lists proxy CIDRs (or single IPs) whose
	// X-Forwarded-For headers are honored for client IP extraction.
	TrustedProxies []string `yaml:"trustedProxies" json:"trustedProxies"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AdmissionConfig holds authentication and request integrity settings.
type AdmissionConfig struct {
	// Bypass resolves every request to the fixed development identity.
	Bypass bool `yaml:"bypass" json:"bypass"`

	// JWKSURL enables local token verification against a key set. When
	// empty and HMACSecret is empty, tokens are verified via the auth
	// service.
	JWKSURL string `yaml:"jwksUrl" json:"jwksUrl"`

	// HMACSecret enables local HS256 verification.
	HMACSecret string `yaml:"hmacSecret" json:"hmacSecret"`

	// Issuer is the expected token issuer, when set.
	Issuer string `yaml:"issuer" json:"issuer"`

	// MaxDrift bounds the X-Request-Timestamp drift from server time.
	MaxDrift Duration `yaml:"maxDrift" json:"maxDrift"`

	// RequireTimestamp rejects requests without a timestamp header.
	RequireTimestamp bool `yaml:"requireTimestamp" json:"requireTimestamp"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Backend selects the limiter store: "memory" or "redis".
	Backend string `yaml:"backend" json:"backend"`

	Window       Duration `yaml:"window" json:"window"`
	DefaultLimit int      `yaml:"defaultLimit" json:"defaultLimit"`
	SearchLimit  int      `yaml:"searchLimit" json:"searchLimit"`
	SourcesLimit int      `yaml:"sourcesLimit" json:"sourcesLimit"`
	SyncLimit    int      `yaml:"syncLimit" json:"syncLimit"`

	// FloodRPS bounds per-client request rate ahead of the sliding
	// window, absorbing bursts cheaply. Zero disables the guard.
	FloodRPS   float64 `yaml:"floodRps" json:"floodRps"`
	FloodBurst int     `yaml:"floodBurst" json:"floodBurst"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Backend selects the cache store: "memory" or "redis".
	Backend string `yaml:"backend" json:"backend"`

	MaxEntries int      `yaml:"maxEntries" json:"maxEntries"`
	DefaultTTL Duration `yaml:"defaultTtl" json:"defaultTtl"`
	AuthTTL    Duration `yaml:"authTtl" json:"authTtl"`
	SearchTTL  Duration `yaml:"searchTtl" json:"searchTtl"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold  uint32   `yaml:"failureThreshold" json:"failureThreshold"`
	OpenDuration      Duration `yaml:"openDuration" json:"openDuration"`
	HalfOpenSuccesses uint32   `yaml:"halfOpenSuccesses" json:"halfOpenSuccesses"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// URL is the NATS server address.
	URL string `yaml:"url" json:"url"`

	ClientName      string   `yaml:"clientName" json:"clientName"`
	Retries         int      `yaml:"retries" json:"retries"`
	BackoffBase     Duration `yaml:"backoffBase" json:"backoffBase"`
	RequestTimeout  Duration `yaml:"requestTimeout" json:"requestTimeout"`
	BreakerRecovery Duration `yaml:"breakerRecovery" json:"breakerRecovery"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	ServiceName string  `yaml:"serviceName" json:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio" json:"sampleRatio"`
}

// RedisConfig holds the shared Redis connection settings used by the
// rate limiter and cache when their backend is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// ServicesConfig maps downstream service names to base URLs.
type ServicesConfig struct {
	Auth      ServiceConfig `yaml:"auth" json:"auth"`
	Sources   ServiceConfig `yaml:"sources" json:"sources"`
	Search    ServiceConfig `yaml:"search" json:"search"`
	Workspace ServiceConfig `yaml:"workspace" json:"workspace"`
}

// ServiceConfig describes a single downstream service.
type ServiceConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// All returns the configured downstream services keyed by name, omitting
// those without a URL.
func (s ServicesConfig) All() map[string]ServiceConfig {
	out := make(map[string]ServiceConfig, 4)
	for name, svc := range map[string]ServiceConfig{
		"auth":      s.Auth,
		"sources":   s.Sources,
		"search":    s.Search,
		"workspace": s.Workspace,
	} {
		if svc.URL != "" {
			out[name] = svc
		}
	}
	return out
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: observability.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Admission: AdmissionConfig{
			MaxDrift: Duration(5 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			Backend:      "memory",
			Window:       Duration(time.Minute),
			DefaultLimit: 100,
			SearchLimit:  30,
			SourcesLimit: 60,
			SyncLimit:    10,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Backend:    "memory",
			MaxEntries: 10000,
			DefaultTTL: Duration(60 * time.Second),
			AuthTTL:    Duration(5 * time.Minute),
			SearchTTL:  Duration(30 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			OpenDuration:      Duration(30 * time.Second),
			HalfOpenSuccesses: 2,
		},
		Events: EventsConfig{
			Enabled:         true,
			URL:             "nats://localhost:4222",
			ClientName:      "trafficgate",
			Retries:         5,
			BackoffBase:     Duration(100 * time.Millisecond),
			RequestTimeout:  Duration(30 * time.Second),
			BreakerRecovery: Duration(30 * time.Second),
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Tracing: TracingConfig{
			ServiceName: "trafficgate",
			SampleRatio: 1.0,
		},
	}
}

// ValidateConfig validates cfg, normalizing unset values to their defaults.
func ValidateConfig(cfg *GatewayConfig) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = Duration(15 * time.Second)
	}

	switch cfg.RateLimit.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
	switch cfg.Cache.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = Duration(time.Minute)
	}
	if cfg.Admission.MaxDrift <= 0 {
		cfg.Admission.MaxDrift = Duration(5 * time.Minute)
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.OpenDuration <= 0 {
		cfg.Breaker.OpenDuration = Duration(30 * time.Second)
	}
	if cfg.Breaker.HalfOpenSuccesses == 0 {
		cfg.Breaker.HalfOpenSuccesses = 2
	}

	if (cfg.RateLimit.Backend == "redis" || cfg.Cache.Backend == "redis") && cfg.Redis.Addr == "" {
		return errors.New("redis backend selected but redis.addr is empty")
	}

	if cfg.Events.Enabled && cfg.Events.URL == "" {
		return errors.New("events enabled but url is empty")
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "trafficgate"
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return errors.New("tracing enabled but endpoint is empty")
	}

	for name, svc := range cfg.Services.All() {
		if _, err := url.Parse(svc.URL); err != nil {
			return fmt.Errorf("invalid %s service URL: %w", name, err)
		}
	}

	return nil
}

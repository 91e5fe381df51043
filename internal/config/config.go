package config

import "time"

// Config represents the complete application configuration.
// Values are layered by viper: defaults, then the config file, then
// EDGEPROXY_* environment variables and flags.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AdminToken enables POST /admin/signal with bearer auth when set.
	AdminToken string `mapstructure:"admin_token"`
}

// ProxyConfig controls admission and the upstream mapping.
type ProxyConfig struct {
	// Secret is the shared value callers must send in AuthHeader.
	// An empty secret is a misconfiguration: proxied requests fail with 500.
	Secret     string `mapstructure:"secret"`
	AuthHeader string `mapstructure:"auth_header"`

	// PathPrefix is stripped from inbound paths before joining onto UpstreamBaseURL.
	PathPrefix      string        `mapstructure:"path_prefix"`
	UpstreamBaseURL string        `mapstructure:"upstream_base_url"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`

	// AllowedOrigins lists hostnames (not URLs) allowed in Origin/Referer.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowMissingOrigin admits requests carrying neither Origin nor Referer.
	// This relaxes the origin gate and is off by default.
	AllowMissingOrigin bool `mapstructure:"allow_missing_origin"`

	PreflightMaxAge time.Duration `mapstructure:"preflight_max_age"`
}

// RateLimitConfig configures the per-client fixed window.
type RateLimitConfig struct {
	Window         time.Duration `mapstructure:"window"`
	Capacity       int           `mapstructure:"capacity"`
	SweepThreshold int           `mapstructure:"sweep_threshold"`

	// ClientIPHeader is the trusted platform header carrying the client address.
	ClientIPHeader string `mapstructure:"client_ip_header"`
}

// CacheConfig configures cache-aside population.
type CacheConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	MaxEntries   int           `mapstructure:"max_entries"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects the backend for rate limit state and cached responses.
type StoreConfig struct {
	// Driver is "memory" (process-local) or "redis" (shared).
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains connection settings for the redis driver.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated exporter port; /metrics on the main port proxies it
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	// Enabled controls whether health endpoints are exposed
	Enabled bool `mapstructure:"enabled"`
}

// Package config provides centralized configuration management for edgeproxy.
// It layers defaults, an optional YAML file, and environment variables through
// viper, then decodes the merged settings into a typed Config.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every edgeproxy environment variable.
const EnvPrefix = "EDGEPROXY"

// Store drivers
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// NewViper returns a viper instance with defaults and environment bindings applied.
func NewViper() *viper.Viper {
	v := viper.New()
	Configure(v)
	return v
}

// Configure applies defaults and environment bindings to an existing viper instance.
func Configure(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindEnv(v, EnvPrefix)
	SetDefaults(v)
}

// Load decodes the merged viper settings into a validated Config.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)

	return cfg, nil
}

// Validate rejects configurations the proxy cannot run with.
// A missing secret is deliberately not rejected here: it surfaces per request.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	base, err := url.Parse(c.Proxy.UpstreamBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("proxy.upstream_base_url must be an absolute URL: %q", c.Proxy.UpstreamBaseURL)
	}
	if !strings.HasPrefix(c.Proxy.PathPrefix, "/") || !strings.HasSuffix(c.Proxy.PathPrefix, "/") {
		return fmt.Errorf("proxy.path_prefix must start and end with '/': %q", c.Proxy.PathPrefix)
	}
	if strings.TrimSpace(c.Proxy.AuthHeader) == "" {
		return fmt.Errorf("proxy.auth_header is required")
	}
	if len(c.Proxy.AllowedOrigins) == 0 {
		return fmt.Errorf("proxy.allowed_origins must list at least one hostname")
	}

	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be positive")
	}
	if c.RateLimit.SweepThreshold <= 0 {
		return fmt.Errorf("rate_limit.sweep_threshold must be positive")
	}
	if strings.TrimSpace(c.RateLimit.ClientIPHeader) == "" {
		return fmt.Errorf("rate_limit.client_ip_header is required")
	}

	if c.Cache.TTL < time.Second {
		return fmt.Errorf("cache.ttl must be at least 1s")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			return fmt.Errorf("store.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	return nil
}

func (c *Config) normalize() {
	c.Proxy.Secret = strings.TrimSpace(c.Proxy.Secret)
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))

	origins := make([]string, 0, len(c.Proxy.AllowedOrigins))
	for _, origin := range c.Proxy.AllowedOrigins {
		origin = strings.ToLower(strings.TrimSpace(origin))
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	c.Proxy.AllowedOrigins = origins
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

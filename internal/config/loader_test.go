package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		t.Setenv(LegacySecretEnv, "")

		cfg, err := Load(NewViper())
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify proxy defaults
		assert.Equal(t, "X-Proxy-Auth", cfg.Proxy.AuthHeader)
		assert.Equal(t, "/proxy/", cfg.Proxy.PathPrefix)
		assert.Equal(t, "https://www.reddit.com/", cfg.Proxy.UpstreamBaseURL)
		assert.Equal(t, []string{"nuno.site", "www.nuno.site"}, cfg.Proxy.AllowedOrigins)
		assert.False(t, cfg.Proxy.AllowMissingOrigin)
		assert.Equal(t, 24*time.Hour, cfg.Proxy.PreflightMaxAge)

		// Verify rate limit defaults
		assert.Equal(t, time.Minute, cfg.RateLimit.Window)
		assert.Equal(t, 100, cfg.RateLimit.Capacity)
		assert.Equal(t, 1000, cfg.RateLimit.SweepThreshold)
		assert.Equal(t, "CF-Connecting-IP", cfg.RateLimit.ClientIPHeader)

		// Verify cache and store defaults
		assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
		assert.Equal(t, DriverMemory, cfg.Store.Driver)
		assert.Equal(t, "edgeproxy", cfg.Store.Redis.KeyPrefix)

		assert.Same(t, cfg, GetConfig())
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Setenv("EDGEPROXY_SERVER_PORT", "9191")
		t.Setenv("EDGEPROXY_RATE_LIMIT_CAPACITY", "5")
		t.Setenv("EDGEPROXY_PROXY_ALLOWED_ORIGINS", "Example.com, www.example.com")
		t.Setenv("EDGEPROXY_STORE_DRIVER", "REDIS")

		cfg, err := Load(NewViper())
		require.NoError(t, err)

		assert.Equal(t, 9191, cfg.Server.Port)
		assert.Equal(t, 5, cfg.RateLimit.Capacity)
		assert.Equal(t, []string{"example.com", "www.example.com"}, cfg.Proxy.AllowedOrigins)
		assert.Equal(t, DriverRedis, cfg.Store.Driver)
	})

	t.Run("LegacySecretVariable", func(t *testing.T) {
		t.Setenv(LegacySecretEnv, "  s3cret ")

		cfg, err := Load(NewViper())
		require.NoError(t, err)
		assert.Equal(t, "s3cret", cfg.Proxy.Secret)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		content := []byte(`
proxy:
  upstream_base_url: https://api.example.com/
  allow_missing_origin: true
rate_limit:
  window: 30s
cache:
  ttl: 1m
`)
		require.NoError(t, os.WriteFile(path, content, 0o600))

		v := NewViper()
		v.SetConfigFile(path)
		require.NoError(t, v.ReadInConfig())

		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, "https://api.example.com/", cfg.Proxy.UpstreamBaseURL)
		assert.True(t, cfg.Proxy.AllowMissingOrigin)
		assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
		assert.Equal(t, time.Minute, cfg.Cache.TTL)
	})
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(NewViper())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative upstream", func(c *Config) { c.Proxy.UpstreamBaseURL = "/reddit" }},
		{"prefix without trailing slash", func(c *Config) { c.Proxy.PathPrefix = "/proxy" }},
		{"empty auth header", func(c *Config) { c.Proxy.AuthHeader = " " }},
		{"no origins", func(c *Config) { c.Proxy.AllowedOrigins = nil }},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"zero capacity", func(c *Config) { c.RateLimit.Capacity = 0 }},
		{"zero sweep threshold", func(c *Config) { c.RateLimit.SweepThreshold = 0 }},
		{"zero cache ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"sub-second cache ttl", func(c *Config) { c.Cache.TTL = 500 * time.Millisecond }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "libsql" }},
		{"redis without addr", func(c *Config) {
			c.Store.Driver = DriverRedis
			c.Store.Redis.Addr = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	t.Run("one second cache ttl is allowed", func(t *testing.T) {
		cfg := base(t)
		cfg.Cache.TTL = time.Second
		require.NoError(t, cfg.Validate())
	})

	t.Run("missing secret is allowed", func(t *testing.T) {
		cfg := base(t)
		cfg.Proxy.Secret = ""
		require.NoError(t, cfg.Validate())
	})
}

package config

import "github.com/spf13/viper"

// Default values mirrored by SetDefaults.
const (
	DefaultPathPrefix      = "/proxy/"
	DefaultUpstreamBaseURL = "https://www.reddit.com/"
	DefaultUserAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	DefaultAuthHeader      = "X-Proxy-Auth"
	DefaultClientIPHeader  = "CF-Connecting-IP"

	// LegacySecretEnv is the secret variable of earlier deployments.
	LegacySecretEnv = "REDDIT_PROXY_SECRET"
)

// DefaultAllowedOrigins are the site hostnames allowed to call the proxy.
var DefaultAllowedOrigins = []string{"nuno.site", "www.nuno.site"}

// SetDefaults registers default configuration values on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.admin_token", "")

	// Proxy defaults
	v.SetDefault("proxy.secret", "")
	v.SetDefault("proxy.auth_header", DefaultAuthHeader)
	v.SetDefault("proxy.path_prefix", DefaultPathPrefix)
	v.SetDefault("proxy.upstream_base_url", DefaultUpstreamBaseURL)
	v.SetDefault("proxy.upstream_timeout", "25s")
	v.SetDefault("proxy.user_agent", DefaultUserAgent)
	v.SetDefault("proxy.allowed_origins", DefaultAllowedOrigins)
	v.SetDefault("proxy.allow_missing_origin", false)
	v.SetDefault("proxy.preflight_max_age", "24h")

	// Rate limit defaults
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.capacity", 100)
	v.SetDefault("rate_limit.sweep_threshold", 1000)
	v.SetDefault("rate_limit.client_ip_header", DefaultClientIPHeader)

	// Cache defaults
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.max_body_bytes", 5<<20)
	v.SetDefault("cache.write_timeout", "10s")

	// Store defaults
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.username", "")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "edgeproxy")
	v.SetDefault("store.redis.dial_timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)
}

// BindEnv wires the environment variables that do not follow the
// EDGEPROXY_<SECTION>_<KEY> convention.
func BindEnv(v *viper.Viper, prefix string) {
	_ = v.BindEnv("proxy.secret", prefix+"_PROXY_SECRET", prefix+"_SECRET", LegacySecretEnv)
	_ = v.BindEnv("server.admin_token", prefix+"_SERVER_ADMIN_TOKEN", prefix+"_ADMIN_TOKEN")
}

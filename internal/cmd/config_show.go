package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nunosite/edgeproxy/internal/config"
	errwrap "github.com/nunosite/edgeproxy/internal/errors"
	"github.com/nunosite/edgeproxy/internal/output"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the resolved configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return errwrap.Wrap(cmd.Context(), errwrap.CodeInvalidInput, err, "invalid output format")
		}

		cfg, err := loadConfig()
		if err != nil {
			return errwrap.Wrap(cmd.Context(), errwrap.CodeConfigInvalid, err, "configuration invalid")
		}

		out, _ := cmd.Flags().GetString("out")
		sink, err := openSink(out, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		rendered, err := output.NewFormatter(format).FormatSettings(configSettings(cfg))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(sink.writer, strings.TrimRight(rendered, "\n"))
		return err
	},
}

// configSettings flattens cfg for display. Credentials are masked.
func configSettings(cfg *config.Config) []output.Setting {
	s := func(section, key, value string) output.Setting {
		return output.Setting{Section: section, Key: key, Value: value}
	}
	itoa := strconv.Itoa
	btoa := strconv.FormatBool

	return []output.Setting{
		s("server", "host", cfg.Server.Host),
		s("server", "port", itoa(cfg.Server.Port)),
		s("server", "read_timeout", cfg.Server.ReadTimeout.String()),
		s("server", "write_timeout", cfg.Server.WriteTimeout.String()),
		s("server", "idle_timeout", cfg.Server.IdleTimeout.String()),
		s("server", "shutdown_timeout", cfg.Server.ShutdownTimeout.String()),
		s("server", "admin_token", output.MaskSecret(cfg.Server.AdminToken)),

		s("proxy", "secret", output.MaskSecret(cfg.Proxy.Secret)),
		s("proxy", "auth_header", cfg.Proxy.AuthHeader),
		s("proxy", "path_prefix", cfg.Proxy.PathPrefix),
		s("proxy", "upstream_base_url", cfg.Proxy.UpstreamBaseURL),
		s("proxy", "upstream_timeout", cfg.Proxy.UpstreamTimeout.String()),
		s("proxy", "user_agent", cfg.Proxy.UserAgent),
		s("proxy", "allowed_origins", strings.Join(cfg.Proxy.AllowedOrigins, ",")),
		s("proxy", "allow_missing_origin", btoa(cfg.Proxy.AllowMissingOrigin)),
		s("proxy", "preflight_max_age", cfg.Proxy.PreflightMaxAge.String()),

		s("rate_limit", "window", cfg.RateLimit.Window.String()),
		s("rate_limit", "capacity", itoa(cfg.RateLimit.Capacity)),
		s("rate_limit", "sweep_threshold", itoa(cfg.RateLimit.SweepThreshold)),
		s("rate_limit", "client_ip_header", cfg.RateLimit.ClientIPHeader),

		s("cache", "ttl", cfg.Cache.TTL.String()),
		s("cache", "max_entries", itoa(cfg.Cache.MaxEntries)),
		s("cache", "max_body_bytes", strconv.FormatInt(cfg.Cache.MaxBodyBytes, 10)),
		s("cache", "write_timeout", cfg.Cache.WriteTimeout.String()),

		s("store", "driver", cfg.Store.Driver),
		s("store", "redis.addr", cfg.Store.Redis.Addr),
		s("store", "redis.password", output.MaskSecret(cfg.Store.Redis.Password)),
		s("store", "redis.db", itoa(cfg.Store.Redis.DB)),
		s("store", "redis.key_prefix", cfg.Store.Redis.KeyPrefix),

		s("logging", "level", cfg.Logging.Level),
		s("logging", "profile", cfg.Logging.Profile),

		s("metrics", "enabled", btoa(cfg.Metrics.Enabled)),
		s("metrics", "port", itoa(cfg.Metrics.Port)),

		s("health", "enabled", btoa(cfg.Health.Enabled)),
	}
}

func init() {
	configShowCmd.Flags().StringP("output-format", "o", string(output.FormatTable), "Output format: table|json|yaml|markdown")
	configShowCmd.Flags().String("out", "", "Write output to a file (default stdout)")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

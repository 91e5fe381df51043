package cmd

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nunosite/edgeproxy/internal/config"
	errwrap "github.com/nunosite/edgeproxy/internal/errors"
	"github.com/nunosite/edgeproxy/internal/metrics"
	"github.com/nunosite/edgeproxy/internal/observability"
	"github.com/nunosite/edgeproxy/internal/server"
)

var (
	serverPort int
	serverHost string
)

const uptimeInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the proxy HTTP server with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read and validate the config file (restart to apply)

Shutdown stops the HTTP server, waits for pending cache writes, closes the
store and flushes logs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Invalid configuration", err)
			return err
		}

		observability.InitServerLogger(AppName, cfg.Logging.Level, cfg.Logging.Profile)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(AppName, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(cmd.Context(), err, "metrics initialization failed")
			}
		}

		logger.Info("Initializing server",
			zap.String("service", AppName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.String("upstream", cfg.Proxy.UpstreamBaseURL),
			zap.String("store_driver", cfg.Store.Driver))

		warnOnRiskySettings(cfg)

		rt, err := buildRuntime(cmd.Context(), cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize proxy", zap.Error(err))
			return errwrap.WrapServiceUnavailable(cmd.Context(), err, "proxy initialization failed")
		}

		srv := server.New(cfg, rt.Handler, rt.Health)

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		stopUptime := startUptimeReporter()

		// Shutdown handlers run LIFO: HTTP server, deferred work and store, then logs.
		signals.OnShutdown(func(ctx context.Context) error {
			stopUptime()
			if err := observability.StopMetrics(); err != nil {
				logger.Warn("Failed to stop metrics exporter", zap.Error(err))
			}
			logger.Info("Flushing logger...")
			observability.SyncLoggers()
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Waiting for deferred cache writes...",
				zap.Int64("pending", rt.Tasks.Pending()))
			closeCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := rt.Close(closeCtx); err != nil {
				logger.Warn("Proxy runtime did not close cleanly", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			return reloadConfig(ctx)
		})

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		rt.Health.MarkStarted()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}

		return nil
	},
}

// warnOnRiskySettings logs configuration that weakens the admission pipeline.
func warnOnRiskySettings(cfg *config.Config) {
	logger := observability.ServerLogger

	if cfg.Proxy.Secret == "" {
		logger.Error("Proxy secret is not configured; proxied requests will fail with 500",
			zap.String("env", config.EnvPrefix+"_PROXY_SECRET"))
	}
	if cfg.Proxy.AllowMissingOrigin {
		logger.Warn("allow_missing_origin is enabled; requests without Origin or Referer are admitted")
	}
	if cfg.Store.Driver == config.DriverMemory {
		logger.Info("Using process-local memory store; rate limits and cache are not shared between instances")
	}
}

// reloadConfig re-reads and validates the config file. Running components
// keep the configuration they were built with until restart.
func reloadConfig(ctx context.Context) error {
	logger := observability.ServerLogger
	logger.Info("Received SIGHUP: attempting config reload")

	v := viper.GetViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.Info("No config file found - using defaults and environment variables")
			return nil
		}
		logger.Error("Failed to reload config file",
			zap.String("file", v.ConfigFileUsed()),
			zap.Error(err))
		return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "config reload failed")
	}

	if _, err := config.Load(v); err != nil {
		logger.Error("Reloaded configuration is invalid", zap.Error(err))
		return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "config reload failed")
	}

	logger.Info("Configuration reloaded; restart to apply allow-list and limit changes",
		zap.String("file", v.ConfigFileUsed()))
	return nil
}

// startUptimeReporter updates the uptime gauge until the returned func is called.
func startUptimeReporter() func() {
	started := time.Now()
	metrics.SetServerStartTime(started.Unix())

	done := make(chan struct{})
	ticker := time.NewTicker(uptimeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				metrics.SetServerUptime(int64(now.Sub(started).Seconds()))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

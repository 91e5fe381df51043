package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nunosite/edgeproxy/internal/config"
	"github.com/nunosite/edgeproxy/internal/core/store"
	errwrap "github.com/nunosite/edgeproxy/internal/errors"
	"github.com/nunosite/edgeproxy/internal/observability"
)

var (
	healthURL     string
	healthTimeout time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long: `Run a self-health check: configuration validity, proxy secret presence and
store reachability. With --url, probe a running server's readiness endpoint instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		if strings.TrimSpace(healthURL) != "" {
			return probeReadiness(ctx, healthURL)
		}

		cfg, err := loadConfig()
		if err != nil {
			observability.CLILogger.Error("❌ FAIL: Configuration invalid", zap.Error(err))
			return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "configuration invalid")
		}
		observability.CLILogger.Info("✅ Configuration valid")

		return selfCheck(ctx, cfg)
	},
}

func selfCheck(ctx context.Context, cfg *config.Config) error {
	logger := observability.CLILogger

	if strings.TrimSpace(cfg.Proxy.Secret) == "" {
		logger.Error("❌ FAIL: Proxy secret is not configured")
		return errwrap.NewConfigInvalidError("proxy secret is not configured")
	}
	logger.Info("✅ Proxy secret configured")

	st, err := store.Open(ctx, cfg.Store, cfg.Cache)
	if err != nil {
		logger.Error("❌ FAIL: Store unavailable", zap.String("driver", cfg.Store.Driver), zap.Error(err))
		return errwrap.WrapServiceUnavailable(ctx, err, "store unavailable")
	}
	defer func() { _ = st.Close() }()

	if err := st.CheckHealth(ctx); err != nil {
		logger.Error("❌ FAIL: Store unhealthy", zap.String("driver", st.Driver()), zap.Error(err))
		return errwrap.WrapServiceUnavailable(ctx, err, "store unhealthy")
	}
	logger.Info("✅ Store reachable", zap.String("driver", st.Driver()))

	logger.Info("")
	logger.Info("✅ All health checks passed")
	return nil
}

func probeReadiness(ctx context.Context, baseURL string) error {
	target := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/health/ready"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errwrap.Wrap(ctx, errwrap.CodeInvalidInput, err, "invalid health url")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		observability.CLILogger.Error("❌ FAIL: Server unreachable", zap.String("url", target), zap.Error(err))
		return errwrap.WrapServiceUnavailable(ctx, err, "server unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		observability.CLILogger.Error("❌ FAIL: Server not ready",
			zap.String("url", target),
			zap.Int("status", resp.StatusCode))
		return errwrap.NewServiceUnavailableError(fmt.Sprintf("server not ready: HTTP %d", resp.StatusCode))
	}

	observability.CLILogger.Info("✅ Server ready", zap.String("url", target))
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().StringVar(&healthURL, "url", "", "probe a running server (e.g. http://localhost:8080)")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "overall check timeout")
}

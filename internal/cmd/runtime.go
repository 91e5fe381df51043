package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/nunosite/edgeproxy/internal/config"
	"github.com/nunosite/edgeproxy/internal/core/engine"
	"github.com/nunosite/edgeproxy/internal/core/proxy"
	"github.com/nunosite/edgeproxy/internal/core/store"
	"github.com/nunosite/edgeproxy/internal/core/upstream"
	"github.com/nunosite/edgeproxy/internal/observability"
	"github.com/nunosite/edgeproxy/internal/server/handlers"
)

// proxyRuntime is everything serve wires together around the HTTP server.
type proxyRuntime struct {
	Store   *store.Store
	Tasks   *proxy.BackgroundTasks
	Handler *proxy.Handler
	Health  *handlers.HealthManager
}

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

// buildRuntime opens the store and assembles the proxy pipeline.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*proxyRuntime, error) {
	st, err := store.Open(ctx, cfg.Store, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	limiter := &engine.RateLimiter{
		Store:          st.Rates,
		Capacity:       cfg.RateLimit.Capacity,
		Window:         cfg.RateLimit.Window,
		SweepThreshold: cfg.RateLimit.SweepThreshold,
	}

	client := &upstream.Client{
		HTTP:       &http.Client{Timeout: cfg.Proxy.UpstreamTimeout},
		BaseURL:    cfg.Proxy.UpstreamBaseURL,
		PathPrefix: cfg.Proxy.PathPrefix,
		UserAgent:  cfg.Proxy.UserAgent,
	}

	tasks := &proxy.BackgroundTasks{
		Timeout: cfg.Cache.WriteTimeout,
		Logger:  logger,
	}

	handler := &proxy.Handler{
		Config:   proxy.NewConfig(cfg),
		Limiter:  limiter,
		Cache:    st.Cache,
		Upstream: client,
		Deferrer: tasks,
		Logger:   logger,
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	secret := cfg.Proxy.Secret
	health.RegisterReadinessChecker("proxy_secret", handlers.CheckFunc(func(context.Context) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("proxy secret is not configured")
		}
		return nil
	}))
	health.RegisterReadinessChecker("store", st)
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	return &proxyRuntime{
		Store:   st,
		Tasks:   tasks,
		Handler: handler,
		Health:  health,
	}, nil
}

// Close waits for deferred cache writes, then releases the store.
func (rt *proxyRuntime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.Tasks.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

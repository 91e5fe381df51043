package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/nunosite/edgeproxy/internal/config"
	"github.com/nunosite/edgeproxy/internal/core"
	"github.com/nunosite/edgeproxy/internal/core/engine"
)

const (
	driverMemory = "memory"
	driverRedis  = "redis"
)

// Cache is the response cache contract shared by both drivers.
type Cache interface {
	Match(ctx context.Context, key string) (*core.CachedResponse, error)
	Put(ctx context.Context, key string, resp *core.CachedResponse) error
}

// Store bundles the rate-limit and response-cache backends of one driver.
type Store struct {
	Rates engine.RateLimitStore
	Cache Cache

	redis  RedisClient
	driver string
}

// Open initializes the backends selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig, cacheCfg config.CacheConfig) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = driverMemory
	}

	if ctx == nil {
		ctx = context.Background()
	}

	switch driver {
	case driverMemory:
		return &Store{
			Rates:  NewMemoryRateStore(),
			Cache:  NewMemoryCache(cacheCfg.MaxEntries),
			driver: driver,
		}, nil
	case driverRedis:
		client, err := dialRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Redis.KeyPrefix, cacheCfg), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}

// NewRedisStore builds a Redis-backed store around an existing client.
func NewRedisStore(client RedisClient, prefix string, cacheCfg config.CacheConfig) *Store {
	return &Store{
		Rates:  NewRedisRateStore(client, prefix),
		Cache:  NewRedisCache(client, prefix, cacheCfg.TTL),
		redis:  client,
		driver: driverRedis,
	}
}

type rateResetter interface {
	ResetRateLimit(ctx context.Context, key string) (bool, error)
}

// RateLimit returns the stored window for a client key, or nil when absent.
func (s *Store) RateLimit(ctx context.Context, key string) (*core.RateLimitEntry, error) {
	if s == nil || s.Rates == nil {
		return nil, fmt.Errorf("store is not initialized")
	}
	return s.Rates.GetRateLimit(ctx, key)
}

// ResetRateLimit clears the window for a client key.
func (s *Store) ResetRateLimit(ctx context.Context, key string) (bool, error) {
	if s == nil || s.Rates == nil {
		return false, fmt.Errorf("store is not initialized")
	}
	resetter, ok := s.Rates.(rateResetter)
	if !ok {
		return false, fmt.Errorf("store driver %s cannot reset rate limits", s.driver)
	}
	return resetter.ResetRateLimit(ctx, key)
}

// Close releases backend resources.
func (s *Store) Close() error {
	if s == nil || s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

// Driver returns the configured store driver.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

// CheckHealth verifies the backend is reachable.
func (s *Store) CheckHealth(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("store is not initialized")
	}
	if s.redis == nil {
		return nil
	}
	if err := s.redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

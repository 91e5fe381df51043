package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nunosite/edgeproxy/internal/config"
)

// RedisClient is the subset of Redis the stores depend on.
type RedisClient interface {
	// Get returns nil, nil when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del returns how many of keys existed.
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// redisAdapter adapts a go-redis client to RedisClient.
type redisAdapter struct {
	client goredis.UniversalClient
}

// NewRedisClient wraps a go-redis client.
func NewRedisClient(client goredis.UniversalClient) RedisClient {
	return &redisAdapter{client: client}
}

func (a *redisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := a.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (a *redisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

func (a *redisAdapter) Del(ctx context.Context, keys ...string) (int64, error) {
	return a.client.Del(ctx, keys...).Result()
}

func (a *redisAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *redisAdapter) Close() error {
	return a.client.Close()
}

func dialRedis(ctx context.Context, cfg config.RedisConfig) (RedisClient, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       strings.Split(addr, ","),
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	adapter := NewRedisClient(client)
	if err := adapter.Ping(ctx); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("ping redis store: %w", err)
	}
	return adapter, nil
}

func redisKey(prefix string, parts ...string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "edgeproxy"
	}
	return prefix + ":" + strings.Join(parts, ":")
}

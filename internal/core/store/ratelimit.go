package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nunosite/edgeproxy/internal/core"
)

// MemoryRateStore keeps rate limit entries in process memory.
// State is lost on restart and is not shared between instances.
type MemoryRateStore struct {
	mu      sync.Mutex
	entries map[string]core.RateLimitEntry
}

// NewMemoryRateStore returns an empty in-memory rate store.
func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{entries: make(map[string]core.RateLimitEntry)}
}

// GetRateLimit returns a copy of the entry for key, or nil when absent.
func (m *MemoryRateStore) GetRateLimit(ctx context.Context, key string) (*core.RateLimitEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// UpdateRateLimit stores entry for key.
func (m *MemoryRateStore) UpdateRateLimit(ctx context.Context, key string, entry *core.RateLimitEntry) error {
	if entry == nil {
		return errors.New("rate limit entry is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		m.entries = make(map[string]core.RateLimitEntry)
	}
	m.entries[key] = *entry
	return nil
}

// CountRateLimits returns the number of tracked keys, stale ones included.
func (m *MemoryRateStore) CountRateLimits(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

// SweepRateLimits removes every entry whose window elapsed before now.
func (m *MemoryRateStore) SweepRateLimits(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.entries {
		if entry.State(now) == core.EntryStale {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// ResetRateLimit forgets key. It reports whether an entry existed.
func (m *MemoryRateStore) ResetRateLimit(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

// RedisRateStore keeps rate limit entries in Redis with expiry at the window reset.
type RedisRateStore struct {
	client RedisClient
	prefix string
}

// NewRedisRateStore returns a rate store backed by client.
func NewRedisRateStore(client RedisClient, prefix string) *RedisRateStore {
	return &RedisRateStore{client: client, prefix: prefix}
}

func (r *RedisRateStore) GetRateLimit(ctx context.Context, key string) (*core.RateLimitEntry, error) {
	raw, err := r.client.Get(ctx, r.key(key))
	if err != nil {
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var entry core.RateLimitEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode rate limit: %w", err)
	}
	return &entry, nil
}

func (r *RedisRateStore) UpdateRateLimit(ctx context.Context, key string, entry *core.RateLimitEntry) error {
	if entry == nil {
		return errors.New("rate limit entry is required")
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode rate limit: %w", err)
	}

	ttl := time.Until(entry.ResetTime)
	if ttl < time.Second {
		ttl = time.Second
	}

	if err := r.client.Set(ctx, r.key(key), raw, ttl); err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}
	return nil
}

// ResetRateLimit deletes the entry for key.
func (r *RedisRateStore) ResetRateLimit(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(key))
	if err != nil {
		return false, fmt.Errorf("reset rate limit: %w", err)
	}
	return n > 0, nil
}

// CountRateLimits always reports zero: Redis expires entries on its own.
func (r *RedisRateStore) CountRateLimits(ctx context.Context) (int, error) {
	return 0, nil
}

// SweepRateLimits is a no-op for Redis.
func (r *RedisRateStore) SweepRateLimits(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (r *RedisRateStore) key(client string) string {
	return redisKey(r.prefix, "ratelimit", strings.TrimSpace(client))
}

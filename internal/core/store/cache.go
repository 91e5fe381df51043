package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nunosite/edgeproxy/internal/core"
)

// DefaultMaxEntries bounds the in-memory cache when no limit is configured.
const DefaultMaxEntries = 1000

// MemoryCache is a process-local response cache honoring stored max-age.
type MemoryCache struct {
	MaxEntries int
	Clock      func() time.Time

	mu      sync.Mutex
	entries map[string]*core.CachedResponse
}

// NewMemoryCache returns an empty cache holding at most maxEntries responses.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		MaxEntries: maxEntries,
		entries:    make(map[string]*core.CachedResponse),
	}
}

// Match returns the stored response for key, or nil on miss or expiry.
func (m *MemoryCache) Match(ctx context.Context, key string) (*core.CachedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if cached.Expired(m.now()) {
		delete(m.entries, key)
		return nil, nil
	}
	return cloneResponse(cached), nil
}

// Put stores a copy of resp under key, evicting if the cache is full.
func (m *MemoryCache) Put(ctx context.Context, key string, resp *core.CachedResponse) error {
	if resp == nil {
		return errors.New("cached response is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		m.entries = make(map[string]*core.CachedResponse)
	}
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries() {
		m.evict()
	}
	m.entries[key] = cloneResponse(resp)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evict drops expired entries, then the oldest one if none expired.
func (m *MemoryCache) evict() {
	now := m.now()
	removed := 0
	for key, cached := range m.entries {
		if cached.Expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	if removed > 0 {
		return
	}

	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, cached := range m.entries {
		if oldestKey == "" || cached.StoredAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = cached.StoredAt
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func (m *MemoryCache) maxEntries() int {
	if m.MaxEntries > 0 {
		return m.MaxEntries
	}
	return DefaultMaxEntries
}

func (m *MemoryCache) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now().UTC()
}

// RedisCache stores responses in Redis, shared by every proxy instance.
// Writes become visible to other instances eventually; there is no
// read-your-writes guarantee across nodes.
type RedisCache struct {
	client     RedisClient
	prefix     string
	defaultTTL time.Duration
}

// NewRedisCache returns a cache backed by client. defaultTTL applies to
// responses without a max-age directive.
func NewRedisCache(client RedisClient, prefix string, defaultTTL time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, defaultTTL: defaultTTL}
}

func (r *RedisCache) Match(ctx context.Context, key string) (*core.CachedResponse, error) {
	raw, err := r.client.Get(ctx, r.key(key))
	if err != nil {
		return nil, fmt.Errorf("fetch cached response: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var cached core.CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	if cached.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return &cached, nil
}

func (r *RedisCache) Put(ctx context.Context, key string, resp *core.CachedResponse) error {
	if resp == nil {
		return errors.New("cached response is required")
	}

	ttl, ok := resp.MaxAge()
	if !ok {
		ttl = r.defaultTTL
	}
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), raw, ttl); err != nil {
		return fmt.Errorf("store cached response: %w", err)
	}
	return nil
}

func (r *RedisCache) key(requestURL string) string {
	sum := sha256.Sum256([]byte(requestURL))
	return redisKey(r.prefix, "cache", hex.EncodeToString(sum[:]))
}

func cloneResponse(resp *core.CachedResponse) *core.CachedResponse {
	return &core.CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       bytes.Clone(resp.Body),
		StoredAt:   resp.StoredAt,
	}
}

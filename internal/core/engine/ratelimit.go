package engine

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nunosite/edgeproxy/internal/core"
)

// Defaults for the per-client fixed window.
const (
	DefaultWindow         = time.Minute
	DefaultCapacity       = 100
	DefaultSweepThreshold = 1000

	// UnknownClient is the shared bucket for requests without a client identity.
	UnknownClient = "unknown"
)

// RateLimiter enforces a fixed-window request budget per client key.
type RateLimiter struct {
	Store          RateLimitStore
	Clock          func() time.Time
	Capacity       int
	Window         time.Duration
	SweepThreshold int

	// keys serializes read-modify-write cycles per client key.
	keys keyedMutex
	// sweeping admits one sweep at a time; other callers skip it.
	sweeping sync.Mutex
}

// RateLimitStore stores per-client window state.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, key string) (*core.RateLimitEntry, error)
	UpdateRateLimit(ctx context.Context, key string, entry *core.RateLimitEntry) error
	CountRateLimits(ctx context.Context) (int, error)
	SweepRateLimits(ctx context.Context, now time.Time) (int, error)
}

// Verdict is the outcome of a single admission check.
type Verdict struct {
	Allowed    bool
	Count      int
	ResetTime  time.Time
	RetryAfter time.Duration
	// Swept is the number of stale entries removed during this check.
	Swept int
}

// RetryAfterSeconds renders RetryAfter as whole seconds for the Retry-After header.
func (v Verdict) RetryAfterSeconds() int {
	return int(v.RetryAfter / time.Second)
}

// Allow counts a request against key and reports whether it is within budget.
// Rejected attempts still count toward the current window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (Verdict, error) {
	if r == nil || r.Store == nil {
		return Verdict{Allowed: true}, nil
	}
	if key == "" {
		key = UnknownClient
	}

	unlock := r.keys.lock(key)
	defer unlock()

	now := r.now()
	entry, err := r.Store.GetRateLimit(ctx, key)
	if err != nil {
		return Verdict{}, fmt.Errorf("load rate limit entry: %w", err)
	}

	if entry.State(now) == core.EntryStale {
		entry = &core.RateLimitEntry{Count: 1, ResetTime: now.Add(r.window())}
	} else {
		entry.Count++
	}

	if err := r.Store.UpdateRateLimit(ctx, key, entry); err != nil {
		return Verdict{}, fmt.Errorf("store rate limit entry: %w", err)
	}

	verdict := Verdict{
		Allowed:   entry.Count <= r.capacity(),
		Count:     entry.Count,
		ResetTime: entry.ResetTime,
	}
	if !verdict.Allowed {
		verdict.RetryAfter = retryAfter(entry.ResetTime.Sub(now))
		return verdict, nil
	}

	swept, err := r.sweep(ctx, now)
	if err != nil {
		return verdict, err
	}
	verdict.Swept = swept

	return verdict, nil
}

func (r *RateLimiter) sweep(ctx context.Context, now time.Time) (int, error) {
	if !r.sweeping.TryLock() {
		return 0, nil
	}
	defer r.sweeping.Unlock()

	size, err := r.Store.CountRateLimits(ctx)
	if err != nil {
		return 0, fmt.Errorf("count rate limit entries: %w", err)
	}
	if size <= r.sweepThreshold() {
		return 0, nil
	}

	removed, err := r.Store.SweepRateLimits(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep rate limit entries: %w", err)
	}
	return removed, nil
}

// keyedMutex hands out one lock per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// ClientKey derives the rate-limit key from the trusted platform header only.
func ClientKey(r *http.Request, header string) string {
	if r == nil {
		return UnknownClient
	}
	if header == "" {
		header = "CF-Connecting-IP"
	}
	value := strings.TrimSpace(r.Header.Get(header))
	if value == "" {
		return UnknownClient
	}
	return value
}

// retryAfter rounds the remaining window up to whole seconds.
func retryAfter(remaining time.Duration) time.Duration {
	if remaining <= 0 {
		return 0
	}
	seconds := math.Ceil(remaining.Seconds())
	return time.Duration(seconds) * time.Second
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) window() time.Duration {
	if r.Window > 0 {
		return r.Window
	}
	return DefaultWindow
}

func (r *RateLimiter) capacity() int {
	if r.Capacity > 0 {
		return r.Capacity
	}
	return DefaultCapacity
}

func (r *RateLimiter) sweepThreshold() int {
	if r.SweepThreshold > 0 {
		return r.SweepThreshold
	}
	return DefaultSweepThreshold
}

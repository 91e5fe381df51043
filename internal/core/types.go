package core

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Gate identifies an admission stage of the proxy pipeline.
type Gate string

const (
	GateMethod    Gate = "method"
	GatePreflight Gate = "preflight"
	GateAuth      Gate = "auth"
	GateOrigin    Gate = "origin"
	GateRateLimit Gate = "rate_limit"
)

// Outcome is the result of evaluating a gate.
type Outcome string

const (
	OutcomeAdmitted Outcome = "admitted"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// CacheResult labels a cache lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "HIT"
	CacheMiss CacheResult = "MISS"
)

// CachedResponse is an upstream response stored in the response cache.
type CachedResponse struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// MaxAge returns the max-age directive of the stored Cache-Control header.
func (c *CachedResponse) MaxAge() (time.Duration, bool) {
	if c == nil || c.Header == nil {
		return 0, false
	}
	return ParseMaxAge(c.Header.Get("Cache-Control"))
}

// Expired reports whether the entry outlived its max-age. Entries without a
// max-age never expire on their own.
func (c *CachedResponse) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	maxAge, ok := c.MaxAge()
	if !ok {
		return false
	}
	return now.Sub(c.StoredAt) >= maxAge
}

// ParseMaxAge extracts max-age from a Cache-Control header value.
func ParseMaxAge(header string) (time.Duration, bool) {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`))
		if err != nil || seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

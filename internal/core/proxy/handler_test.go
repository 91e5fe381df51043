package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nunosite/edgeproxy/internal/core"
	"github.com/nunosite/edgeproxy/internal/core/engine"
	"github.com/nunosite/edgeproxy/internal/core/store"
	"github.com/nunosite/edgeproxy/internal/core/upstream"
	apperrors "github.com/nunosite/edgeproxy/internal/errors"
	"github.com/nunosite/edgeproxy/internal/observability"
)

const testSecret = "s3cret-token"

type fakeUpstream struct {
	server *httptest.Server
	calls  atomic.Int32

	mu       sync.Mutex
	status   int
	body     string
	lastSeen http.Header
	lastURI  string
}

func newFakeUpstream(t *testing.T, status int, body string) *fakeUpstream {
	t.Helper()

	f := &fakeUpstream{status: status, body: body}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mu.Lock()
		f.lastSeen = r.Header.Clone()
		f.lastURI = r.RequestURI
		status, body := f.status, f.body
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=abc")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.server.Close)
	return f
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	handler  *Handler
	upstream *fakeUpstream
	cache    *store.MemoryCache
	limiter  *engine.RateLimiter
	clock    *fakeClock
}

func newHarness(t *testing.T, status int, body string) *harness {
	t.Helper()

	up := newFakeUpstream(t, status, body)
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cache := store.NewMemoryCache(100)
	cache.Clock = clock.Now
	limiter := &engine.RateLimiter{
		Store:          store.NewMemoryRateStore(),
		Clock:          clock.Now,
		Capacity:       100,
		Window:         time.Minute,
		SweepThreshold: 1000,
	}

	handler := &Handler{
		Config: Config{
			Secret:          testSecret,
			AuthHeader:      "X-Proxy-Auth",
			AllowedOrigins:  []string{"nuno.site", "www.nuno.site"},
			PreflightMaxAge: 24 * time.Hour,
			ClientIPHeader:  "CF-Connecting-IP",
			CacheTTL:        5 * time.Minute,
			MaxBodyBytes:    1 << 20,
		},
		Limiter: limiter,
		Cache:   cache,
		Upstream: &upstream.Client{
			HTTP:    up.server.Client(),
			BaseURL: up.server.URL + "/",
		},
		Deferrer: InlineDeferrer{},
		Clock:    clock.Now,
	}

	return &harness{handler: handler, upstream: up, cache: cache, limiter: limiter, clock: clock}
}

func (h *harness) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func validRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("X-Proxy-Auth", testSecret)
	req.Header.Set("Origin", "https://nuno.site")
	req.Header.Set("CF-Connecting-IP", "203.0.113.7")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorDetail {
	t.Helper()
	var payload apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Error
}

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: collector,
	})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() {
		observability.TelemetrySystem = original
	})

	return collector
}

func TestProxyServesAndCachesListing(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{"data":[]}`)

	first := h.serve(validRequest("/proxy/r/test/.json?limit=5"))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, `{"data":[]}`, first.Body.String())
	assert.Equal(t, "https://nuno.site", first.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", first.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, X-Proxy-Auth", first.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "MISS", first.Header().Get(CacheHeader))

	h.clock.Advance(2 * time.Minute)

	second := h.serve(validRequest("/proxy/r/test/.json?limit=5"))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "public, max-age=300", second.Header().Get("Cache-Control"))
	assert.Equal(t, "https://nuno.site", second.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "HIT", second.Header().Get(CacheHeader))
	assert.Empty(t, second.Header().Get("Set-Cookie"))

	assert.Equal(t, int32(1), h.upstream.calls.Load())
}

func TestProxyCacheExpiresAfterTTL(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{"data":[]}`)

	h.serve(validRequest("/proxy/r/test/.json?limit=5"))
	h.clock.Advance(5*time.Minute + time.Second)
	rec := h.serve(validRequest("/proxy/r/test/.json?limit=5"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(CacheHeader))
	assert.Equal(t, int32(2), h.upstream.calls.Load())
}

func TestProxyCacheKeyIncludesQuery(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{"data":[]}`)

	h.serve(validRequest("/proxy/r/test/.json?limit=5"))
	h.serve(validRequest("/proxy/r/test/.json?limit=10"))
	h.serve(validRequest("/proxy/r/test/.json?limit=5"))

	assert.Equal(t, int32(2), h.upstream.calls.Load())
}

func TestProxyDoesNotCacheFailures(t *testing.T) {
	h := newHarness(t, http.StatusNotFound, `{"message":"Not Found","error":404}`)

	for i := 0; i < 2; i++ {
		rec := h.serve(validRequest("/proxy/r/missing/.json"))
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, `{"message":"Not Found","error":404}`, rec.Body.String())
		assert.Equal(t, "https://nuno.site", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.NotEqual(t, "public, max-age=300", rec.Header().Get("Cache-Control"))
	}

	assert.Equal(t, int32(2), h.upstream.calls.Load())
	assert.Zero(t, h.cache.Len())
}

func TestProxyUpstreamNetworkFailure(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{}`)
	h.upstream.server.Close()

	rec := h.serve(validRequest("/proxy/r/test/.json"))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "https://nuno.site", rec.Header().Get("Access-Control-Allow-Origin"))
	detail := decodeError(t, rec)
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", detail.Code)
	assert.Empty(t, detail.Details, "upstream error detail must not leak")
	assert.Zero(t, h.cache.Len())
}

func TestProxyOversizedBodyIsNotCached(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{"data":[1,2,3,4,5,6,7,8,9]}`)
	h.handler.Config.MaxBodyBytes = 8

	first := h.serve(validRequest("/proxy/r/big/.json"))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, `{"data":[1,2,3,4,5,6,7,8,9]}`, first.Body.String())

	h.serve(validRequest("/proxy/r/big/.json"))
	assert.Equal(t, int32(2), h.upstream.calls.Load())
}

func TestProxyDoesNotForwardCallerHeaders(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{}`)

	req := validRequest("/proxy/r/test/.json")
	req.Header.Set("Cookie", "private=1")
	h.serve(req)

	h.upstream.mu.Lock()
	seen := h.upstream.lastSeen
	h.upstream.mu.Unlock()

	require.NotNil(t, seen)
	assert.Empty(t, seen.Get("X-Proxy-Auth"))
	assert.Empty(t, seen.Get("Origin"))
	assert.Empty(t, seen.Get("Cookie"))
	assert.Empty(t, seen.Get("CF-Connecting-IP"))
	assert.Equal(t, "application/json", seen.Get("Accept"))
	assert.Contains(t, seen.Get("User-Agent"), "Mozilla/5.0")
}

func TestProxyKeepsEncodedPathOnUpstream(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{"data":[]}`)

	first := h.serve(validRequest("/proxy/r/a%3Flimit%3D999/.json?limit=5"))
	require.Equal(t, http.StatusOK, first.Code)

	h.upstream.mu.Lock()
	uri := h.upstream.lastURI
	h.upstream.mu.Unlock()
	assert.Equal(t, "/r/a%3Flimit%3D999/.json?limit=5", uri)

	decoded := h.serve(validRequest("/proxy/r/a?limit=999/.json?limit=5"))
	require.Equal(t, http.StatusOK, decoded.Code)
	assert.Equal(t, "MISS", decoded.Header().Get(CacheHeader))

	second := h.serve(validRequest("/proxy/r/a%3Flimit%3D999/.json?limit=5"))
	assert.Equal(t, "HIT", second.Header().Get(CacheHeader))
	assert.Equal(t, int32(2), h.upstream.calls.Load())
}

func TestProxyMethodGate(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{}`)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			req := validRequest("/proxy/r/test/.json")
			req.Method = method
			rec := h.serve(req)

			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Allow"))
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	assert.Zero(t, h.upstream.calls.Load())
}

func TestProxyAuthGate(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{}`)

	t.Run("MissingHeader", func(t *testing.T) {
		req := validRequest("/proxy/r/test/.json?limit=5")
		req.Header.Del("X-Proxy-Auth")
		rec := h.serve(req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("WrongSecret", func(t *testing.T) {
		req := validRequest("/proxy/r/test/.json")
		req.Header.Set("X-Proxy-Auth", testSecret+"x")
		assert.Equal(t, http.StatusForbidden, h.serve(req).Code)
	})

	t.Run("PrefixOfSecret", func(t *testing.T) {
		req := validRequest("/proxy/r/test/.json")
		req.Header.Set("X-Proxy-Auth", testSecret[:3])
		assert.Equal(t, http.StatusForbidden, h.serve(req).Code)
	})

	assert.Zero(t, h.upstream.calls.Load())
}

func TestProxyMissingSecretIsServerError(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{}`)
	h.handler.Config.Secret = ""

	rec := h.serve(validRequest("/proxy/r/test/.json"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", detail.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Zero(t, h.upstream.calls.Load())
}

func TestProxyOriginGate(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{}`)

	tests := []struct {
		name    string
		origin  string
		referer string
		status  int
		acao    string
	}{
		{"allowed origin", "https://nuno.site", "", http.StatusOK, "https://nuno.site"},
		{"allowed www origin", "https://www.nuno.site", "", http.StatusOK, "https://www.nuno.site"},
		{"hostname case folded", "https://NUNO.site", "", http.StatusOK, "https://NUNO.site"},
		{"foreign origin", "https://evil.example", "", http.StatusForbidden, ""},
		{"suffix attack", "https://nuno.site.evil.example", "", http.StatusForbidden, ""},
		{"subdomain not listed", "https://api.nuno.site", "", http.StatusForbidden, ""},
		{"unparseable origin", "null", "", http.StatusForbidden, ""},
		{"origin wins over referer", "https://evil.example", "https://nuno.site/posts", http.StatusForbidden, ""},
		{"referer fallback", "", "https://www.nuno.site/posts/1?ref=x", http.StatusOK, "https://www.nuno.site"},
		{"foreign referer", "", "https://evil.example/nuno.site", http.StatusForbidden, ""},
		{"missing both", "", "", http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest("/proxy/r/test/.json")
			req.Header.Del("Origin")
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}

			rec := h.serve(req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.acao, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.NotEqual(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestProxyPermissiveMissingOrigin(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{"data":[]}`)
	h.handler.Config.AllowMissingOrigin = true

	req := validRequest("/proxy/r/test/.json")
	req.Header.Del("Origin")
	rec := h.serve(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	bad := validRequest("/proxy/r/test/.json")
	bad.Header.Set("Origin", "https://evil.example")
	assert.Equal(t, http.StatusForbidden, h.serve(bad).Code)
}

func TestProxyRejectionsAreIndistinguishable(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{}`)

	badAuth := validRequest("/proxy/r/test/.json")
	badAuth.Header.Set("X-Proxy-Auth", "nope")
	badOrigin := validRequest("/proxy/r/test/.json")
	badOrigin.Header.Set("Origin", "https://evil.example")

	authDetail := decodeError(t, h.serve(badAuth))
	originDetail := decodeError(t, h.serve(badOrigin))

	assert.Equal(t, authDetail.Code, originDetail.Code)
	assert.Equal(t, authDetail.Message, originDetail.Message)
	assert.Empty(t, authDetail.Details)
	assert.Empty(t, originDetail.Details)
}

func TestProxyRateLimit(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{"data":[]}`)

	for i := 1; i <= 100; i++ {
		rec := h.serve(validRequest("/proxy/r/test/.json"))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	h.clock.Advance(15 * time.Second)

	limited := h.serve(validRequest("/proxy/r/test/.json"))
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "45", limited.Header().Get("Retry-After"))
	assert.Equal(t, "https://nuno.site", limited.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "RATE_LIMITED", decodeError(t, limited).Code)

	other := validRequest("/proxy/r/test/.json")
	other.Header.Set("CF-Connecting-IP", "198.51.100.9")
	assert.Equal(t, http.StatusOK, h.serve(other).Code)

	h.clock.Advance(46 * time.Second)

	recovered := h.serve(validRequest("/proxy/r/test/.json"))
	assert.Equal(t, http.StatusOK, recovered.Code)

	verdict, err := h.limiter.Allow(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, 2, verdict.Count)
}

func TestProxyRejectedRequestsDoNotConsumeQuota(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{}`)
	h.limiter.Capacity = 1

	for i := 0; i < 5; i++ {
		req := validRequest("/proxy/r/test/.json")
		req.Header.Set("X-Proxy-Auth", "wrong")
		require.Equal(t, http.StatusForbidden, h.serve(req).Code)
	}

	assert.Equal(t, http.StatusOK, h.serve(validRequest("/proxy/r/test/.json")).Code)
}

func TestProxySharedUnknownBucket(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{}`)
	h.limiter.Capacity = 1

	first := validRequest("/proxy/r/test/.json")
	first.Header.Del("CF-Connecting-IP")
	second := validRequest("/proxy/r/test/.json")
	second.Header.Del("CF-Connecting-IP")
	second.Header.Set("X-Forwarded-For", "198.51.100.1")

	assert.Equal(t, http.StatusOK, h.serve(first).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.serve(second).Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string) (engine.Verdict, error) {
	return engine.Verdict{}, errors.New("redis: connection refused")
}

func TestProxyLimiterFailureAdmits(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{}`)
	h.handler.Limiter = failingLimiter{}

	assert.Equal(t, http.StatusOK, h.serve(validRequest("/proxy/r/test/.json")).Code)
}

type failingCache struct{ puts atomic.Int32 }

func (f *failingCache) Match(ctx context.Context, key string) (*core.CachedResponse, error) {
	return nil, errors.New("cache unavailable")
}

func (f *failingCache) Put(ctx context.Context, key string, resp *core.CachedResponse) error {
	f.puts.Add(1)
	return errors.New("cache unavailable")
}

func TestProxyCacheFailuresAreNonFatal(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{"data":[]}`)
	cache := &failingCache{}
	h.handler.Cache = cache

	rec := h.serve(validRequest("/proxy/r/test/.json"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"data":[]}`, rec.Body.String())
	assert.Equal(t, int32(1), cache.puts.Load())
}

// recordingDeferrer holds tasks until Run is called.
type recordingDeferrer struct {
	names []string
	tasks []func(ctx context.Context)
}

func (r *recordingDeferrer) Defer(name string, task func(ctx context.Context)) {
	r.names = append(r.names, name)
	r.tasks = append(r.tasks, task)
}

func (r *recordingDeferrer) Run() {
	for _, task := range r.tasks {
		task(context.Background())
	}
}

func TestProxyCacheWriteIsDeferred(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{"data":[]}`)
	deferrer := &recordingDeferrer{}
	h.handler.Deferrer = deferrer

	rec := h.serve(validRequest("/proxy/r/test/.json"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"data":[]}`, rec.Body.String())

	require.Equal(t, []string{"cache_write"}, deferrer.names)
	assert.Zero(t, h.cache.Len(), "write must wait for the deferred task")

	deferrer.Run()
	assert.Equal(t, 1, h.cache.Len())

	cached, err := h.cache.Match(context.Background(), h.upstream.server.URL+"/r/test/.json")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "public, max-age=300", cached.Header.Get("Cache-Control"))
	assert.Empty(t, cached.Header.Get("Set-Cookie"))
}

func TestProxyBackgroundTasksPopulateCache(t *testing.T) {
	h := newHarness(t, http.StatusOK, `{"data":[]}`)
	tasks := &BackgroundTasks{Timeout: time.Second}
	h.handler.Deferrer = tasks

	require.Equal(t, http.StatusOK, h.serve(validRequest("/proxy/r/test/.json")).Code)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tasks.Wait(ctx))

	require.Equal(t, http.StatusOK, h.serve(validRequest("/proxy/r/test/.json")).Code)
	assert.Equal(t, int32(1), h.upstream.calls.Load())
}

func TestProxyEmitsMetrics(t *testing.T) {
	collector := setupTelemetry(t)
	h := newHarness(t, http.StatusOK, `{"data":[]}`)

	h.serve(validRequest("/proxy/r/test/.json"))
	h.serve(validRequest("/proxy/r/test/.json"))

	bad := validRequest("/proxy/r/test/.json")
	bad.Header.Del("X-Proxy-Auth")
	h.serve(bad)

	assert.Greater(t, collector.CountMetricsByName("proxy_admissions_total"), 0)
	assert.Greater(t, collector.CountMetricsByName("proxy_cache_lookups_total"), 0)
	assert.Greater(t, collector.CountMetricsByName("proxy_upstream_requests_total"), 0)
	assert.Greater(t, collector.CountMetricsByName("proxy_upstream_duration_ms"), 0)
	assert.Greater(t, collector.CountMetricsByName("proxy_cache_writes_total"), 0)
	assert.Greater(t, collector.CountMetricsByName("errors_total"), 0)
}

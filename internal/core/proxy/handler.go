// Package proxy implements the gated cache-aside proxy: an ordered admission
// pipeline in front of a single upstream, with CORS shaping and deferred
// cache population.
package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/nunosite/edgeproxy/internal/config"
	"github.com/nunosite/edgeproxy/internal/core"
	"github.com/nunosite/edgeproxy/internal/core/engine"
	"github.com/nunosite/edgeproxy/internal/core/upstream"
	apperrors "github.com/nunosite/edgeproxy/internal/errors"
	"github.com/nunosite/edgeproxy/internal/metrics"
	"github.com/nunosite/edgeproxy/internal/observability"
	"github.com/nunosite/edgeproxy/internal/server/middleware"
)

// CacheHeader reports whether a proxied response came from the cache.
const CacheHeader = "X-Cache"

// Config holds the request-path settings of the proxy.
type Config struct {
	Secret             string
	AuthHeader         string
	AllowedOrigins     []string
	AllowMissingOrigin bool
	PreflightMaxAge    time.Duration
	ClientIPHeader     string
	CacheTTL           time.Duration
	MaxBodyBytes       int64
}

// NewConfig extracts the proxy settings from the application configuration.
func NewConfig(cfg *config.Config) Config {
	return Config{
		Secret:             cfg.Proxy.Secret,
		AuthHeader:         cfg.Proxy.AuthHeader,
		AllowedOrigins:     cfg.Proxy.AllowedOrigins,
		AllowMissingOrigin: cfg.Proxy.AllowMissingOrigin,
		PreflightMaxAge:    cfg.Proxy.PreflightMaxAge,
		ClientIPHeader:     cfg.RateLimit.ClientIPHeader,
		CacheTTL:           cfg.Cache.TTL,
		MaxBodyBytes:       cfg.Cache.MaxBodyBytes,
	}
}

// CacheControl is the header value written on cached responses.
func (c Config) CacheControl() string {
	ttl := c.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return fmt.Sprintf("public, max-age=%d", int(ttl.Seconds()))
}

func (c Config) authHeader() string {
	if c.AuthHeader != "" {
		return c.AuthHeader
	}
	return config.DefaultAuthHeader
}

// allowHeaders lists the request headers browsers may send, including the
// configured auth header.
func (c Config) allowHeaders() string {
	return "Content-Type, " + c.authHeader()
}

func (c Config) preflightMaxAge() time.Duration {
	if c.PreflightMaxAge > 0 {
		return c.PreflightMaxAge
	}
	return 24 * time.Hour
}

// Limiter admits or rejects a request for a client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (engine.Verdict, error)
}

// ResponseCache stores upstream responses by resolved upstream URL.
type ResponseCache interface {
	Match(ctx context.Context, key string) (*core.CachedResponse, error)
	Put(ctx context.Context, key string, resp *core.CachedResponse) error
}

// Upstream resolves and fetches upstream resources.
type Upstream interface {
	ResolveURL(path, rawQuery string) (string, error)
	Fetch(ctx context.Context, target string) (*http.Response, error)
}

// Handler serves proxied requests through the admission pipeline:
// method, preflight, auth, origin, rate limit, then cache-aside fetch.
type Handler struct {
	Config   Config
	Limiter  Limiter
	Cache    ResponseCache
	Upstream Upstream
	Deferrer Deferrer
	Logger   *logging.Logger
	Clock    func() time.Time
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.admit(core.GateMethod)
	case http.MethodOptions:
		h.admit(core.GateMethod)
		h.servePreflight(w, r)
		return
	default:
		w.Header().Set("Allow", allowMethods)
		h.reject(w, r, core.GateMethod, apperrors.NewMethodNotAllowedError("Method Not Allowed"), map[string]interface{}{
			"method": r.Method,
		})
		return
	}

	if strings.TrimSpace(h.Config.Secret) == "" {
		metrics.RecordAdmission(string(core.GateAuth), string(core.OutcomeError))
		env := apperrors.NewInternalError("Internal Server Error")
		env = withContext(env, map[string]interface{}{
			"gate":   string(core.GateAuth),
			"reason": "proxy secret is not configured",
		})
		env, _ = env.WithSeverity(gferrors.SeverityCritical)
		apperrors.RespondWithEnvelope(w, r, env)
		return
	}

	clientKey := engine.ClientKey(r, h.Config.ClientIPHeader)

	if !h.authorized(r) {
		h.reject(w, r, core.GateAuth, forbidden(), map[string]interface{}{
			"client": clientKey,
		})
		return
	}
	h.admit(core.GateAuth)

	origin := h.checkOrigin(r)
	if !origin.Allowed {
		h.reject(w, r, core.GateOrigin, forbidden(), map[string]interface{}{
			"client":  clientKey,
			"source":  string(origin.Source),
			"origin":  r.Header.Get("Origin"),
			"referer": r.Header.Get("Referer"),
		})
		return
	}
	h.admit(core.GateOrigin)

	if !h.checkRateLimit(w, r, clientKey, origin.AllowOrigin) {
		return
	}

	h.serveCached(w, r, origin.AllowOrigin)
}

// authorized compares the auth header to the secret in constant time.
func (h *Handler) authorized(r *http.Request) bool {
	supplied := r.Header.Get(h.Config.authHeader())
	if supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(h.Config.Secret)) == 1
}

// checkRateLimit reports whether the request may proceed. A limiter backend
// failure admits the request and is logged.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientKey, allowOrigin string) bool {
	if h.Limiter == nil {
		h.admit(core.GateRateLimit)
		return true
	}

	verdict, err := h.Limiter.Allow(r.Context(), clientKey)
	if err != nil {
		metrics.RecordAdmission(string(core.GateRateLimit), string(core.OutcomeError))
		h.logWarn("Rate limiter unavailable, admitting request",
			zap.Error(err),
			zap.String("client", clientKey),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		return true
	}

	if verdict.Swept > 0 {
		metrics.RecordRateLimitSweep(verdict.Swept)
	}

	if !verdict.Allowed {
		h.setCORSHeaders(w.Header(), allowOrigin)
		w.Header().Set("Retry-After", strconv.Itoa(verdict.RetryAfterSeconds()))
		h.reject(w, r, core.GateRateLimit, apperrors.NewRateLimitedError("Too Many Requests"), map[string]interface{}{
			"client":      clientKey,
			"count":       verdict.Count,
			"retry_after": verdict.RetryAfterSeconds(),
		})
		return false
	}

	h.admit(core.GateRateLimit)
	return true
}

// serveCached answers from the cache or fetches from upstream and schedules
// the cache write.
func (h *Handler) serveCached(w http.ResponseWriter, r *http.Request, allowOrigin string) {
	ctx := r.Context()

	target, err := h.Upstream.ResolveURL(r.URL.EscapedPath(), r.URL.RawQuery)
	if err != nil {
		env := apperrors.Wrap(ctx, apperrors.CodeInvalidInput, err, "Bad Request")
		h.setCORSHeaders(w.Header(), allowOrigin)
		apperrors.RespondWithEnvelope(w, r, env)
		return
	}

	if cached := h.lookup(ctx, target); cached != nil {
		metrics.RecordCacheLookup(string(core.CacheHit))
		h.writeCached(w, cached, allowOrigin)
		return
	}
	metrics.RecordCacheLookup(string(core.CacheMiss))

	start := time.Now()
	resp, err := h.Upstream.Fetch(ctx, target)
	if err != nil {
		metrics.RecordUpstreamRequest("error", time.Since(start))
		env := apperrors.WrapExternalService(ctx, err, "Bad Gateway")
		env = withContext(env, map[string]interface{}{"upstream": target})
		env, _ = env.WithSeverity(gferrors.SeverityHigh)
		h.setCORSHeaders(w.Header(), allowOrigin)
		apperrors.RespondWithEnvelope(w, r, env)
		return
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body
	metrics.RecordUpstreamRequest(upstream.StatusClass(resp.StatusCode), time.Since(start))

	cacheable := resp.StatusCode >= 200 && resp.StatusCode < 300

	header := w.Header()
	copyHeader(header, resp.Header)
	if cacheable {
		header.Set("Cache-Control", h.Config.CacheControl())
	}
	h.setCORSHeaders(header, allowOrigin)
	header.Set(CacheHeader, string(core.CacheMiss))
	w.WriteHeader(resp.StatusCode)

	var body io.Reader = resp.Body
	var capture *cappedBuffer
	if cacheable && h.Cache != nil {
		capture = newCappedBuffer(h.Config.MaxBodyBytes)
		body = io.TeeReader(resp.Body, capture)
	}

	if _, err := io.Copy(w, body); err != nil {
		h.logWarn("Streaming upstream response failed",
			zap.Error(err),
			zap.String("upstream", target),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		return
	}

	if capture == nil {
		return
	}
	if capture.Overflowed() {
		metrics.RecordCacheWrite("skipped")
		h.logDebug("Response too large to cache", zap.String("upstream", target))
		return
	}

	entry := &core.CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     cacheableHeader(resp.Header, h.Config.CacheControl()),
		Body:       capture.Bytes(),
		StoredAt:   h.now(),
	}
	h.deferCacheWrite(target, entry)
}

func (h *Handler) lookup(ctx context.Context, key string) *core.CachedResponse {
	if h.Cache == nil {
		return nil
	}
	cached, err := h.Cache.Match(ctx, key)
	if err != nil {
		h.logWarn("Cache lookup failed, treating as miss", zap.Error(err), zap.String("upstream", key))
		return nil
	}
	return cached
}

func (h *Handler) deferCacheWrite(key string, entry *core.CachedResponse) {
	write := func(ctx context.Context) {
		if err := h.Cache.Put(ctx, key, entry); err != nil {
			metrics.RecordCacheWrite("failure")
			h.logWarn("Cache write failed", zap.Error(err), zap.String("upstream", key))
			return
		}
		metrics.RecordCacheWrite("success")
	}

	deferrer := h.Deferrer
	if deferrer == nil {
		deferrer = InlineDeferrer{}
	}
	deferrer.Defer("cache_write", write)
}

func (h *Handler) writeCached(w http.ResponseWriter, cached *core.CachedResponse, allowOrigin string) {
	header := w.Header()
	copyHeader(header, cached.Header)
	h.setCORSHeaders(header, allowOrigin)
	header.Set(CacheHeader, string(core.CacheHit))
	header.Set("Content-Length", strconv.Itoa(len(cached.Body)))
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func (h *Handler) admit(gate core.Gate) {
	metrics.RecordAdmission(string(gate), string(core.OutcomeAdmitted))
}

// reject writes a rejection envelope. The context is logged, never sent.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, gate core.Gate, env *gferrors.ErrorEnvelope, fields map[string]interface{}) {
	metrics.RecordAdmission(string(gate), string(core.OutcomeRejected))

	logged := map[string]interface{}{"gate": string(gate)}
	for key, value := range fields {
		logged[key] = value
	}
	env = withContext(env, logged)
	if env.Severity == "" {
		if updated, err := env.WithSeverity(gferrors.SeverityMedium); err == nil {
			env = updated
		}
	}

	apperrors.RespondWithEnvelope(w, r, env)
}

func forbidden() *gferrors.ErrorEnvelope {
	return apperrors.NewForbiddenError("Forbidden")
}

func withContext(env *gferrors.ErrorEnvelope, fields map[string]interface{}) *gferrors.ErrorEnvelope {
	updated, err := env.WithContext(fields)
	if err != nil || updated == nil {
		return env
	}
	return updated
}

func (h *Handler) logger() *logging.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return observability.ServerLogger
}

func (h *Handler) logWarn(msg string, fields ...zap.Field) {
	if logger := h.logger(); logger != nil {
		logger.Warn(msg, fields...)
	}
}

func (h *Handler) logDebug(msg string, fields ...zap.Field) {
	if logger := h.logger(); logger != nil {
		logger.Debug(msg, fields...)
	}
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now().UTC()
}

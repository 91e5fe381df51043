package proxy

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nunosite/edgeproxy/internal/core"
)

const allowMethods = "GET, OPTIONS"

// originSource records which request header an origin decision came from.
type originSource string

const (
	sourceOrigin  originSource = "origin"
	sourceReferer originSource = "referer"
	sourceMissing originSource = "missing"
)

// originDecision is the result of validating a request's declared origin.
type originDecision struct {
	// AllowOrigin is echoed in Access-Control-Allow-Origin; empty when the
	// request declared no origin.
	AllowOrigin string
	Source      originSource
	Allowed     bool
}

// checkOrigin validates Origin, falling back to Referer when Origin is absent.
// For a referer the echoed value is its scheme and host, never the full URL.
func (h *Handler) checkOrigin(r *http.Request) originDecision {
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		parsed, ok := parseOrigin(origin)
		if !ok || !h.hostAllowed(parsed.Hostname()) {
			return originDecision{Source: sourceOrigin}
		}
		return originDecision{AllowOrigin: origin, Source: sourceOrigin, Allowed: true}
	}

	if referer := strings.TrimSpace(r.Header.Get("Referer")); referer != "" {
		parsed, ok := parseOrigin(referer)
		if !ok || !h.hostAllowed(parsed.Hostname()) {
			return originDecision{Source: sourceReferer}
		}
		return originDecision{
			AllowOrigin: parsed.Scheme + "://" + parsed.Host,
			Source:      sourceReferer,
			Allowed:     true,
		}
	}

	return originDecision{Source: sourceMissing, Allowed: h.Config.AllowMissingOrigin}
}

func (h *Handler) hostAllowed(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	for _, allowed := range h.Config.AllowedOrigins {
		if host == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func parseOrigin(raw string) (*url.URL, bool) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, false
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, false
	}
	return parsed, true
}

// setCORSHeaders attaches the actual-response CORS headers for a validated origin.
func (h *Handler) setCORSHeaders(header http.Header, allowOrigin string) {
	if allowOrigin == "" {
		return
	}
	header.Set("Access-Control-Allow-Origin", allowOrigin)
	header.Set("Access-Control-Allow-Methods", allowMethods)
	header.Set("Access-Control-Allow-Headers", h.Config.allowHeaders())
	header.Add("Vary", "Origin")
}

// servePreflight answers OPTIONS requests. Only the Origin header is
// considered; Referer never authorizes a preflight.
func (h *Handler) servePreflight(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	parsed, ok := parseOrigin(origin)
	if origin == "" || !ok || !h.hostAllowed(parsed.Hostname()) {
		h.reject(w, r, core.GatePreflight, forbidden(), map[string]interface{}{
			"origin": origin,
		})
		return
	}

	h.admit(core.GatePreflight)

	header := w.Header()
	h.setCORSHeaders(header, origin)
	header.Set("Access-Control-Max-Age", strconv.Itoa(int(h.Config.preflightMaxAge().Seconds())))
	w.WriteHeader(http.StatusNoContent)
}

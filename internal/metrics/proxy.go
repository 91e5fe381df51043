package metrics

import (
	"time"

	"github.com/nunosite/edgeproxy/internal/observability"
)

// Proxy pipeline metric names
const (
	ProxyAdmissionsTotal       = "proxy_admissions_total"
	ProxyCacheLookupsTotal     = "proxy_cache_lookups_total"
	ProxyUpstreamRequestsTotal = "proxy_upstream_requests_total"
	ProxyUpstreamDuration      = "proxy_upstream_duration_ms"
	ProxyCacheWritesTotal      = "proxy_cache_writes_total"
	ProxyRateLimitSweepsTotal  = "proxy_ratelimit_sweeps_total"
)

// RecordAdmission counts a gate decision.
func RecordAdmission(gate string, outcome string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		ProxyAdmissionsTotal,
		1,
		map[string]string{
			"gate":    gate,
			"outcome": outcome,
		},
	)
}

// RecordCacheLookup counts a cache hit or miss.
func RecordCacheLookup(result string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		ProxyCacheLookupsTotal,
		1,
		map[string]string{"result": result},
	)
}

// RecordUpstreamRequest counts an upstream fetch and records its latency.
// statusClass is "2xx".."5xx", or "error" for network failures.
func RecordUpstreamRequest(statusClass string, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	labels := map[string]string{"status_class": statusClass}
	_ = observability.TelemetrySystem.Counter(ProxyUpstreamRequestsTotal, 1, labels)
	_ = observability.TelemetrySystem.Histogram(ProxyUpstreamDuration, duration, labels)
}

// RecordCacheWrite counts a deferred cache write by status.
func RecordCacheWrite(status string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		ProxyCacheWritesTotal,
		1,
		map[string]string{"status": status},
	)
}

// RecordRateLimitSweep counts a sweep and how many entries it removed.
func RecordRateLimitSweep(removed int) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		ProxyRateLimitSweepsTotal,
		1,
		nil,
	)
	_ = observability.TelemetrySystem.Gauge(
		"proxy_ratelimit_swept_entries",
		float64(removed),
		nil,
	)
}

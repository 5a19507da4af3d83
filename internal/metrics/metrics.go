// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the proxy's hot path and control plane.
// Covers: per-route request counters/latency, per-upstream request/active
// counters, the circuit breaker's state machine, the static file server's
// cache/compression behavior, and reload epoch/duration.

var (
	// RouteRequestsTotal counts requests by matched route and final status
	// class, keyed by the route's configured path (spec §4.1).
	RouteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snakeway_route_requests_total",
			Help: "Total requests handled per matched route, by status class.",
		},
		[]string{"route", "status_class"},
	)

	// RouteRequestDuration measures end-to-end request latency per route,
	// from on_request to the final on_response (spec §4.6).
	RouteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snakeway_route_request_duration_seconds",
			Help:    "Request latency per matched route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// UpstreamRequestsTotal counts requests dispatched to an upstream by
	// outcome (success, failure, rejected-by-breaker), mirroring §4.3's
	// admission/failure taxonomy.
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snakeway_upstream_requests_total",
			Help: "Total requests dispatched to an upstream, by outcome.",
		},
		[]string{"service", "upstream", "outcome"},
	)

	// UpstreamActiveRequests tracks the live active_requests gauge per
	// upstream (spec §3 "Upstream runtime state", §8 "Active-request
	// balance").
	UpstreamActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snakeway_upstream_active_requests",
			Help: "In-flight requests currently assigned to an upstream.",
		},
		[]string{"service", "upstream"},
	)

	// CircuitBreakerState publishes the current breaker state per upstream
	// (0=closed, 1=half-open, 2=open). The admin /admin/upstreams JSON
	// endpoint reports the state as a string instead.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snakeway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"service", "upstream"},
	)

	// CircuitBreakerConsecutiveFailures tracks the counter that drives the
	// Closed -> Open transition (spec §4.3).
	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snakeway_circuit_breaker_consecutive_failures",
			Help: "Current consecutive failure count per upstream.",
		},
		[]string{"service", "upstream"},
	)

	// CircuitBreakerTransitions counts every state transition with its
	// reason, matching the structured log event shape in spec §6.
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snakeway_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions, by reason.",
		},
		[]string{"service", "upstream", "from_state", "to_state", "reason"},
	)

	// StaticFileCacheHitsTotal / StaticFileCacheMissesTotal count
	// conditional-request outcomes (spec §4.4 step 5: 304 vs 200).
	StaticFileCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snakeway_static_file_cache_hits_total",
			Help: "Static file requests answered 304 via conditional headers.",
		},
		[]string{"route"},
	)
	StaticFileCacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snakeway_static_file_cache_misses_total",
			Help: "Static file requests that required a full body response.",
		},
		[]string{"route"},
	)

	// StaticFileCompressionRatio observes compressed/identity byte ratio
	// per negotiated encoding (spec §4.4 step 7).
	StaticFileCompressionRatio = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snakeway_static_file_compression_ratio",
			Help:    "Ratio of compressed bytes to identity bytes for negotiated static responses.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"encoding"},
	)

	// ReloadEpoch is the current snapshot epoch (spec §4.8 step 4),
	// incremented exactly once per successful reload.
	ReloadEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snakeway_reload_epoch",
			Help: "Current runtime-state snapshot epoch.",
		},
	)

	// ReloadDuration measures time spent validating and building a new
	// snapshot (spec §4.8 steps 2-4), labeled by outcome.
	ReloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snakeway_reload_duration_seconds",
			Help:    "Time spent processing a reload attempt.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// ReloadTotal counts reload attempts by outcome (success, validation_failed).
	ReloadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snakeway_reload_total",
			Help: "Total reload attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	// DevicePolicyRejectionsTotal counts RespondNow/Error decisions by the
	// request_filter / network_policy built-ins, labeled by device name and
	// status (spec §4.5).
	DevicePolicyRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snakeway_device_policy_rejections_total",
			Help: "Total requests rejected by a policy device, by device and status code.",
		},
		[]string{"device", "status"},
	)
)

// CircuitStateValue encodes a breaker state the way CircuitBreakerState
// expects it: 0=closed, 1=half-open, 2=open, and -1 for any other string.
func CircuitStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// StatusClass buckets an HTTP status code into the "status_class" label
// value RouteRequestsTotal uses ("2xx", "4xx", "5xx", ...).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

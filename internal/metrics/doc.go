// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

/*
Package metrics provides Prometheus instrumentation for the proxy.

Metrics are registered at package init via promauto and exposed on the admin
listener at /admin/metrics via promhttp.Handler() (spec §4.9, SPEC_FULL.md A.5).

# Available metrics

Hot path:
  - snakeway_route_requests_total{route,status_class}
  - snakeway_route_request_duration_seconds{route}
  - snakeway_upstream_requests_total{service,upstream,outcome}
  - snakeway_upstream_active_requests{service,upstream}

Circuit breaker (spec §4.3):
  - snakeway_circuit_breaker_state{service,upstream}
  - snakeway_circuit_breaker_consecutive_failures{service,upstream}
  - snakeway_circuit_breaker_transitions_total{service,upstream,from_state,to_state,reason}

Static file server (spec §4.4):
  - snakeway_static_file_cache_hits_total{route}
  - snakeway_static_file_cache_misses_total{route}
  - snakeway_static_file_compression_ratio{encoding}

Reload coordinator (spec §4.8):
  - snakeway_reload_epoch
  - snakeway_reload_duration_seconds{outcome}
  - snakeway_reload_total{outcome}

Devices (spec §4.5):
  - snakeway_device_policy_rejections_total{device,status}
*/
package metrics

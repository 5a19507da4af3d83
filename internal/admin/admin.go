// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package admin implements the read-only JSON surface and the reload
// trigger a listener with enable_admin serves (spec §4.9, §6): health,
// upstream/circuit state, request counters, and POST /admin/reload. It is
// never reachable from a public listener, and a public listener is never
// reachable here — internal/engine enforces that isolation on the public
// side; this router simply never registers anything else.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snakewayhq/snakeway/internal/breaker"
	"github.com/snakewayhq/snakeway/internal/config"
	"github.com/snakewayhq/snakeway/internal/reload"
	"github.com/snakewayhq/snakeway/internal/snapshot"
	"github.com/snakewayhq/snakeway/internal/upstream"
)

// Reloader is the reload coordinator's shape this package depends on
// (*reload.Coordinator satisfies it). Declaring it here, rather than
// depending on the concrete type directly, lets tests exercise the reload
// handler against a fake without driving a real config.Load.
type Reloader interface {
	Reload(ctx context.Context) reload.Result
}

// HealthResponse is GET /admin/health's body (spec §6).
type HealthResponse struct {
	OK    bool   `json:"ok"`
	Epoch uint64 `json:"epoch"`
}

// UpstreamDetail is one upstream's entry in GET /admin/upstreams (spec §6).
type UpstreamDetail struct {
	Health         string                    `json:"health"`
	Circuit        string                    `json:"circuit"`
	ActiveRequests int64                     `json:"active_requests"`
	TotalRequests  int64                     `json:"total_requests"`
	TotalSuccesses int64                     `json:"total_successes"`
	TotalFailures  int64                     `json:"total_failures"`
	CircuitParams  config.CircuitBreakerSpec `json:"circuit_params"`
	CircuitDetails breaker.Details           `json:"circuit_details"`
}

// UpstreamsResponse is GET /admin/upstreams' body: service name to upstream
// ID to detail (spec §6).
type UpstreamsResponse struct {
	Services map[string]map[string]UpstreamDetail `json:"services"`
}

// ServiceStats is one service's aggregated counters in GET /admin/stats
// (spec §6).
type ServiceStats struct {
	ActiveRequests int64 `json:"active_requests"`
	TotalRequests  int64 `json:"total_requests"`
	TotalSuccesses int64 `json:"total_successes"`
	TotalFailures  int64 `json:"total_failures"`
}

// StatsResponse is GET /admin/stats' body: service name to its aggregated
// counters, keyed directly with no wrapper (spec §6).
type StatsResponse map[string]ServiceStats

// ReloadResponse is POST /admin/reload's body (spec §4.8, §6).
type ReloadResponse struct {
	OK     bool     `json:"ok"`
	Epoch  uint64   `json:"epoch"`
	Errors []string `json:"errors,omitempty"`
}

// reloadFrequencyLimit bounds how often /admin/reload itself may be
// invoked; it protects this endpoint from being hammered, not client
// traffic in general (spec's rate limiting Non-goal is about the data
// plane, not this control surface).
const reloadFrequencyLimit = 1

// NewRouter builds the admin listener's handler (spec §4.9: "served only on
// a listener with admin enabled ... must NOT also serve public traffic").
func NewRouter(store *snapshot.Store, registry *upstream.Registry, coordinator Reloader) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP, chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		// An empty AllowedOrigins alone allows every origin in go-chi/cors;
		// AllowOriginFunc rejects every origin so cross-origin requests get
		// no CORS headers at all. This surface is operator-only.
		AllowedOrigins:   nil,
		AllowOriginFunc:  func(r *http.Request, origin string) bool { return false },
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/admin/health", healthHandler(store))
	r.Get("/admin/upstreams", upstreamsHandler(store, registry))
	r.Get("/admin/stats", statsHandler(store, registry))
	r.With(httprate.LimitByIP(reloadFrequencyLimit, time.Second)).Post("/admin/reload", reloadHandler(coordinator))
	r.Handle("/admin/metrics", promhttp.Handler())

	return r
}

func healthHandler(store *snapshot.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := store.Load()
		resp := HealthResponse{OK: snap != nil}
		if snap != nil {
			resp.Epoch = snap.Epoch
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func upstreamsHandler(store *snapshot.Store, registry *upstream.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := store.Load()
		if snap == nil {
			http.Error(w, "server not ready", http.StatusServiceUnavailable)
			return
		}
		runtimes := registry.All()

		resp := UpstreamsResponse{Services: make(map[string]map[string]UpstreamDetail, len(snap.Services))}
		for _, svc := range snap.Services {
			details := make(map[string]UpstreamDetail, len(svc.Upstreams))
			for _, u := range svc.Upstreams {
				rt, ok := runtimes[u.ID]
				if !ok {
					continue
				}
				health := "unhealthy"
				if rt.Healthy() {
					health = "healthy"
				}
				stats := rt.Stats()
				details[u.ID] = UpstreamDetail{
					Health:         health,
					Circuit:        rt.Breaker.State(),
					ActiveRequests: stats.ActiveRequests,
					TotalRequests:  stats.TotalRequests,
					TotalSuccesses: stats.TotalSuccesses,
					TotalFailures:  stats.TotalFailures,
					CircuitParams:  svc.CircuitBreaker,
					CircuitDetails: rt.Breaker.Details(),
				}
			}
			resp.Services[svc.Name] = details
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func statsHandler(store *snapshot.Store, registry *upstream.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := store.Load()
		if snap == nil {
			http.Error(w, "server not ready", http.StatusServiceUnavailable)
			return
		}
		runtimes := registry.All()

		resp := make(StatsResponse, len(snap.Services))
		for _, svc := range snap.Services {
			var agg ServiceStats
			for _, u := range svc.Upstreams {
				rt, ok := runtimes[u.ID]
				if !ok {
					continue
				}
				stats := rt.Stats()
				agg.ActiveRequests += stats.ActiveRequests
				agg.TotalRequests += stats.TotalRequests
				agg.TotalSuccesses += stats.TotalSuccesses
				agg.TotalFailures += stats.TotalFailures
			}
			resp[svc.Name] = agg
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func reloadHandler(coordinator Reloader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := coordinator.Reload(r.Context())
		resp := ReloadResponse{OK: result.OK, Epoch: result.Epoch, Errors: result.Errors}
		status := http.StatusOK
		if !result.OK {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, resp)
	}
}

// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package upstream holds the mutable per-upstream and per-service runtime
// state that lives outside the immutable snapshot (spec §3 "Upstream
// runtime state", §4.7): health, in-flight/total counters, the circuit
// breaker, and the smoothed-weighted-round-robin cursor. A Registry keys
// this state by stable upstream identity so it survives a snapshot swap.
package upstream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/snakewayhq/snakeway/internal/breaker"
	"github.com/snakewayhq/snakeway/internal/config"
)

// StableID is the identity spec §3 and §4.7 key runtime state by: service
// name plus the upstream's address-or-socket. It is stable across reloads
// as long as neither value changes.
func StableID(service, addrOrSocket string) string {
	return service + "|" + addrOrSocket
}

// Runtime is the mutable state for one upstream, preserved across reloads
// when its stable identity matches (spec §4.7).
type Runtime struct {
	ID string

	healthy        atomic.Bool
	activeRequests atomic.Int64
	totalRequests  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64

	// consecutiveHealthFailures and unhealthyUntil implement the passive
	// health_check gate (spec §6), which is independent of and layered in
	// front of the circuit breaker (SPEC_FULL.md §C: enable=false disables
	// only this passive gate, never the breaker).
	consecutiveHealthFailures atomic.Int64
	unhealthyUntil            atomic.Int64 // unix nanos; 0 = not gated

	// currentWeight implements the smoothed weighted round-robin discipline
	// (spec §4.2): incremented by Weight each pass, the highest value wins
	// and is then reduced by the service's total weight.
	currentWeight atomic.Int64

	Breaker *breaker.Breaker

	healthCheck config.HealthCheckSpec
}

// NewRuntime constructs fresh runtime state for an upstream that has just
// appeared in a snapshot: healthy=true, circuit=Closed, counters=0 (spec
// §4.7).
func NewRuntime(id, service, upstreamLabel string, cb config.CircuitBreakerSpec, hc config.HealthCheckSpec) *Runtime {
	r := &Runtime{ID: id, healthCheck: hc, Breaker: breaker.New(service, upstreamLabel, cb)}
	r.healthy.Store(true)
	return r
}

// Healthy reports the passive health_check view: the breaker's own Closed/
// HalfOpen-with-capacity admission is checked separately by the selector.
func (r *Runtime) Healthy() bool {
	if !r.healthCheck.Enable {
		return true
	}
	until := r.unhealthyUntil.Load()
	if until == 0 {
		return true
	}
	return time.Now().UnixNano() >= until
}

// RecordHealthOutcome feeds the passive failure_threshold/
// unhealthy_cooldown_seconds gate (spec §6). It is independent of the
// circuit breaker's own failure bookkeeping.
func (r *Runtime) RecordHealthOutcome(success bool) {
	if !r.healthCheck.Enable {
		return
	}
	if success {
		r.consecutiveHealthFailures.Store(0)
		r.unhealthyUntil.Store(0)
		return
	}
	n := r.consecutiveHealthFailures.Add(1)
	if n >= int64(r.healthCheck.FailureThreshold) {
		cooldown := time.Duration(r.healthCheck.UnhealthyCooldownSeconds) * time.Second
		r.unhealthyUntil.Store(time.Now().Add(cooldown).UnixNano())
	}
}

// ActiveRequests returns the current in-flight count for this upstream.
func (r *Runtime) ActiveRequests() int64 { return r.activeRequests.Load() }

// Stats is the point-in-time counter snapshot the admin surface reports.
type Stats struct {
	ActiveRequests int64 `json:"active_requests"`
	TotalRequests  int64 `json:"total_requests"`
	TotalSuccesses int64 `json:"total_successes"`
	TotalFailures  int64 `json:"total_failures"`
}

// Stats returns a point-in-time snapshot of this upstream's counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		ActiveRequests: r.activeRequests.Load(),
		TotalRequests:  r.totalRequests.Load(),
		TotalSuccesses: r.totalSuccesses.Load(),
		TotalFailures:  r.totalFailures.Load(),
	}
}

// Guard tracks one in-flight hand-off to this upstream. Success or Failure
// records the outcome; Release must run on every exit path — success,
// failure, cancellation, or panic — so active_requests returns to its
// pre-request value (spec §8 "Active-request balance").
type Guard struct {
	r           *Runtime
	breakerOK   bool
	breakerGrd  *breaker.Guard
	completed   atomic.Bool
}

// Admit increments active_requests and, if the breaker admits this
// request, returns a Guard the caller must complete exactly once. The
// breaker's Admit call is the sole admission point the selector relies on
// (spec §9 "Circuit + selector coupling"); Acquire itself never rejects —
// callers must have already checked CandidateOK before selecting this
// upstream.
func (r *Runtime) Acquire() *Guard {
	g, ok := r.Breaker.Admit()
	r.activeRequests.Add(1)
	r.totalRequests.Add(1)
	return &Guard{r: r, breakerOK: ok, breakerGrd: g}
}

// Release decrements active_requests exactly once; call via defer
// immediately after Acquire to guarantee balance on every exit path.
func (g *Guard) Release() {
	if !g.completed.CompareAndSwap(false, true) {
		return
	}
	g.r.activeRequests.Add(-1)
}

// Success records a successful round trip: resets the breaker's failure
// count and the passive health gate, and bumps total_successes.
func (g *Guard) Success() {
	g.r.totalSuccesses.Add(1)
	g.r.RecordHealthOutcome(true)
	if g.breakerOK {
		g.breakerGrd.Success()
	}
}

// Failure records a failed round trip (transport error, or 5xx when
// count_http_5xx_as_failure is set): bumps total_failures, feeds the
// breaker and the passive health gate.
func (g *Guard) Failure(err error) {
	g.r.totalFailures.Add(1)
	g.r.RecordHealthOutcome(false)
	if g.breakerOK {
		g.breakerGrd.Failure(err)
	}
}

// CandidateOK reports whether this upstream belongs in the selector's
// candidate set right now: healthy AND (circuit Closed OR HalfOpen with
// in-flight capacity) — spec §4.2. It never consumes a half-open slot; the
// actual admission happens in Acquire.
func (r *Runtime) CandidateOK() bool {
	if !r.Healthy() {
		return false
	}
	return r.Breaker.State() != breaker.StateOpen
}

// ServiceRuntime is the mutable per-service state shared across its
// upstreams: the smoothed-weighted-round-robin bookkeeping and the plain
// round-robin cursor (spec §4.2).
type ServiceRuntime struct {
	mu          sync.Mutex // guards the joint smoothed-WRR current-weight update
	rrCursor    atomic.Int64
}

// SmoothWeightedPick implements spec §4.2's smoothed weighted round-robin:
// each candidate's current-weight is incremented by its configured weight;
// the highest current-weight wins and is reduced by the sum of candidate
// weights. It degenerates to plain round-robin when all weights are equal.
func (sr *ServiceRuntime) SmoothWeightedPick(candidates []*Runtime, weights []int) int {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	total := 0
	best := -1
	for i, w := range weights {
		total += w
		nw := candidates[i].currentWeight.Add(int64(w))
		if best == -1 || nw > candidates[best].currentWeight.Load() {
			best = i
		}
	}
	candidates[best].currentWeight.Add(-int64(total))
	return best
}

// NextRoundRobin returns the next plain round-robin index modulo n.
func (sr *ServiceRuntime) NextRoundRobin(n int) int {
	if n <= 0 {
		return 0
	}
	return int(sr.rrCursor.Add(1)-1) % n
}

// Registry is the sidecar table of runtime state keyed by stable identity,
// preserved across reloads (spec §4.7).
type Registry struct {
	mu        sync.RWMutex
	upstreams map[string]*Runtime
	services  map[string]*ServiceRuntime
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		upstreams: make(map[string]*Runtime),
		services:  make(map[string]*ServiceRuntime),
	}
}

// Upstream returns the Runtime for id, creating one if it is new, or
// reusing the existing one if id was already present (spec §4.7: "reuse
// the existing runtime state if the stable identity matches").
func (reg *Registry) Upstream(id, service, upstreamLabel string, cb config.CircuitBreakerSpec, hc config.HealthCheckSpec) *Runtime {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.upstreams[id]; ok {
		return r
	}
	r := NewRuntime(id, service, upstreamLabel, cb, hc)
	reg.upstreams[id] = r
	return r
}

// Service returns the ServiceRuntime for name, creating one on first use.
func (reg *Registry) Service(name string) *ServiceRuntime {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if sr, ok := reg.services[name]; ok {
		return sr
	}
	sr := &ServiceRuntime{}
	reg.services[name] = sr
	return sr
}

// Prune drops runtime state for upstream IDs no longer present in the new
// snapshot's keep set (spec §4.7: "dropped when absent ... after all
// in-flight requests complete"). Callers invoke this only after confirming
// no in-flight request still references the dropped upstream, e.g. by
// checking ActiveRequests() == 0, or by deferring the prune until the old
// snapshot's generation has fully drained.
func (reg *Registry) Prune(keep map[string]struct{}) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for id, r := range reg.upstreams {
		if _, ok := keep[id]; ok {
			continue
		}
		if r.ActiveRequests() == 0 {
			delete(reg.upstreams, id)
		}
	}
}

// All returns every currently-tracked upstream Runtime keyed by ID, for the
// admin surface.
func (reg *Registry) All() map[string]*Runtime {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make(map[string]*Runtime, len(reg.upstreams))
	for k, v := range reg.upstreams {
		out[k] = v
	}
	return out
}

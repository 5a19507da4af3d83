// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package breaker implements the per-upstream circuit breaker state machine
// (spec §4.3): Closed, Open(opened_at), HalfOpen, with the transitions,
// admission rules, and structured events spec §4.3 and §6 describe.
//
// sony/gobreaker/v2 supplies the Closed<->Open engine (ReadyToTrip on
// consecutive failures, a timeout-scheduled Open->HalfOpen recovery) and,
// natively, the HalfOpen->Closed transition once SuccessThreshold
// consecutive successes land — gobreaker's own Settings.MaxRequests is
// configured to that same SuccessThreshold so this native rule lines up
// exactly with spec §4.3's "success_threshold successes reached -> Closed".
//
// What gobreaker cannot express is spec §9's "circuit + selector coupling":
// the load-balancing selector, not cb.Execute, must be the sole admission
// point, so candidate upstreams can be filtered and compared *before* any
// of them is chosen and invoked. Breaker therefore layers its own atomic
// half-open in-flight counter (HalfOpenMaxRequests) on top purely as a
// pre-admission check the selector calls via Admit; the actual outcome
// (Guard.Success/Guard.Failure) is still fed into gobreaker so its failure
// counting and recovery timer stay authoritative.
package breaker

import (
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/snakewayhq/snakeway/internal/config"
	"github.com/snakewayhq/snakeway/internal/logging"
	"github.com/snakewayhq/snakeway/internal/metrics"
)

// State names match the structured event and admin JSON vocabulary
// (spec §6: "circuit_transition" events, /admin/upstreams circuit field).
const (
	StateClosed   = "closed"
	StateHalfOpen = "half_open"
	StateOpen     = "open"
)

// Breaker is the per-upstream circuit breaker. One Breaker is created per
// upstream when it first appears in a snapshot and is preserved across
// reloads as long as the upstream's stable identity matches (spec §4.7).
type Breaker struct {
	service  string
	upstream string

	cb *gobreaker.CircuitBreaker[struct{}]

	halfOpenMaxRequests int64
	halfOpenInFlight    atomic.Int64

	consecutiveFailures atomic.Int64
	openedAt            atomic.Int64 // unix nanos; 0 when not Open

	enableAutoRecovery bool
}

// New constructs a Breaker for one upstream from its service's configured
// circuit_breaker parameters (spec §4.3).
func New(service, upstream string, cfg config.CircuitBreakerSpec) *Breaker {
	b := &Breaker{
		service:             service,
		upstream:            upstream,
		halfOpenMaxRequests: int64(cfg.HalfOpenMaxRequests),
		enableAutoRecovery:  cfg.EnableAutoRecovery,
	}

	timeout := time.Duration(cfg.OpenDurationMS) * time.Millisecond
	if !cfg.EnableAutoRecovery {
		// gobreaker has no "never recover" knob; an effectively-unreachable
		// timeout keeps the breaker Open until the process is restarted or
		// the upstream is reconfigured with auto-recovery enabled.
		timeout = 24 * 365 * time.Hour
	}

	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        service + "/" + upstream,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    0, // never reset Closed-state counts on a timer; only consecutive failures matter
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: b.onStateChange,
	})

	metrics.CircuitBreakerState.WithLabelValues(service, upstream).Set(metrics.CircuitStateValue(StateClosed))
	return b
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	fromStr := stateName(from)
	toStr := stateName(to)
	reason := transitionReason(from, to)

	if to == gobreaker.StateOpen {
		b.openedAt.Store(time.Now().UnixNano())
	}
	if to == gobreaker.StateHalfOpen {
		b.halfOpenInFlight.Store(0)
	}
	if to == gobreaker.StateClosed {
		b.consecutiveFailures.Store(0)
		b.openedAt.Store(0)
	}

	metrics.CircuitBreakerState.WithLabelValues(b.service, b.upstream).Set(metrics.CircuitStateValue(toStr))
	metrics.CircuitBreakerTransitions.WithLabelValues(b.service, b.upstream, fromStr, toStr, reason).Inc()

	logging.Info().
		Str("event", "circuit_transition").
		Str("service", b.service).
		Str("upstream", b.upstream).
		Str("from", fromStr).
		Str("to", toStr).
		Str("reason", reason).
		Int64("failures", b.consecutiveFailures.Load()).
		Msg(name + " circuit breaker state transition")
}

func transitionReason(from, to gobreaker.State) string {
	switch {
	case from == gobreaker.StateClosed && to == gobreaker.StateOpen:
		return "failure_threshold_exceeded"
	case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
		return "cooldown_expired"
	case from == gobreaker.StateHalfOpen && to == gobreaker.StateOpen:
		return "half_open_failure"
	case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
		return "success_threshold_reached"
	default:
		return "unknown"
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return "unknown"
	}
}

// State reports the breaker's current state (spec §3 "Circuit state").
func (b *Breaker) State() string {
	return stateName(b.cb.State())
}

// Guard is returned by Admit when a request is admitted. Exactly one of
// Success or Failure must be called exactly once (spec §8 "Circuit
// invariants" (b): half_open_in_flight must never exceed its configured
// max, which only holds if every admission is released exactly once).
type Guard struct {
	b         *Breaker
	halfOpen  bool
	completed atomic.Bool
}

// Admit is the sole admission point the load-balancing selector calls
// (spec §9 "Circuit + selector coupling"). It returns (nil, false) if the
// upstream must not be selected right now.
func (b *Breaker) Admit() (*Guard, bool) {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return nil, false
	case gobreaker.StateHalfOpen:
		for {
			cur := b.halfOpenInFlight.Load()
			if cur >= b.halfOpenMaxRequests {
				return nil, false
			}
			if b.halfOpenInFlight.CompareAndSwap(cur, cur+1) {
				return &Guard{b: b, halfOpen: true}, true
			}
		}
	default:
		return &Guard{b: b}, true
	}
}

// Success records a successful request, resetting consecutive_failures in
// Closed and counting toward success_threshold in HalfOpen (spec §4.3).
func (g *Guard) Success() {
	if !g.completed.CompareAndSwap(false, true) {
		return
	}
	if g.halfOpen {
		g.b.halfOpenInFlight.Add(-1)
	}
	_, _ = g.b.cb.Execute(func() (struct{}, error) { return struct{}{}, nil })
	g.b.consecutiveFailures.Store(0)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(g.b.service, g.b.upstream).Set(0)
}

// Failure records a failed request: transport error on connect/read/write,
// or a 5xx response when count_http_5xx_as_failure is configured (spec
// §4.3 classifies both as "a failure" — that classification happens in the
// caller, not here).
func (g *Guard) Failure(err error) {
	if !g.completed.CompareAndSwap(false, true) {
		return
	}
	if g.halfOpen {
		g.b.halfOpenInFlight.Add(-1)
	}
	_, _ = g.b.cb.Execute(func() (struct{}, error) { return struct{}{}, err })
	n := g.b.consecutiveFailures.Add(1)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(g.b.service, g.b.upstream).Set(float64(n))
}

// Details is the per-upstream circuit snapshot the admin surface's
// /admin/upstreams endpoint reports (spec §6).
type Details struct {
	State               string `json:"state"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	OpenedAt            int64  `json:"opened_at,omitempty"` // unix nanos, 0 if not Open
	HalfOpenInFlight    int64  `json:"half_open_in_flight"`
}

// Details returns a point-in-time snapshot of the breaker's bookkeeping.
func (b *Breaker) Details() Details {
	return Details{
		State:               b.State(),
		ConsecutiveFailures: b.consecutiveFailures.Load(),
		OpenedAt:            b.openedAt.Load(),
		HalfOpenInFlight:    b.halfOpenInFlight.Load(),
	}
}

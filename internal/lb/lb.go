// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package lb implements the load-balancing selector (spec §4.2): the five
// strategies choosing among a service's healthy, closed-circuit upstreams.
// The selector is the sole admission point (spec §9 "Circuit + selector
// coupling") — it filters candidates by internal/upstream.Runtime's
// CandidateOK and, on selection, admits through the upstream's breaker via
// Runtime.Acquire.
package lb

import (
	"errors"
	"hash/fnv"
	"math/rand"

	"github.com/snakewayhq/snakeway/internal/snapshot"
	"github.com/snakewayhq/snakeway/internal/upstream"
)

// ErrNoHealthyUpstream is returned when a service has no admissible
// candidate (spec §4.2: "Empty candidate set fails").
var ErrNoHealthyUpstream = errors.New("lb: no healthy upstream")

// Select picks an upstream for svc under its configured strategy. It
// returns the chosen Upstream, its Runtime, and an admission Guard the
// caller must complete exactly once via Guard.Success/Guard.Failure and
// release via Guard.Release (spec §4.2, §8 "Active-request balance").
func Select(svc *snapshot.Service, runtimes map[string]*upstream.Runtime, svcRuntime *upstream.ServiceRuntime, fingerprint string) (*snapshot.Upstream, *upstream.Guard, error) {
	candidates, runtimeCandidates, weights := candidateSet(svc, runtimes)
	if len(candidates) == 0 {
		return nil, nil, ErrNoHealthyUpstream
	}

	var idx int
	switch svc.Strategy {
	case "failover":
		idx = 0
	case "round_robin":
		idx = svcRuntime.SmoothWeightedPick(runtimeCandidates, weights)
	case "random":
		idx = rand.Intn(len(candidates))
	case "sticky_hash":
		idx = stickyHashIndex(fingerprint, weights)
	case "request_pressure":
		idx = lowestActiveIndex(runtimeCandidates)
	default:
		idx = 0
	}

	chosen := candidates[idx]
	guard := runtimeCandidates[idx].Acquire()
	return chosen, guard, nil
}

func candidateSet(svc *snapshot.Service, runtimes map[string]*upstream.Runtime) ([]*snapshot.Upstream, []*upstream.Runtime, []int) {
	var candidates []*snapshot.Upstream
	var runtimeCandidates []*upstream.Runtime
	var weights []int
	for _, u := range svc.Upstreams {
		r, ok := runtimes[u.ID]
		if !ok || !r.CandidateOK() {
			continue
		}
		candidates = append(candidates, u)
		runtimeCandidates = append(runtimeCandidates, r)
		weights = append(weights, u.Weight)
	}
	return candidates, runtimeCandidates, weights
}

func lowestActiveIndex(runtimes []*upstream.Runtime) int {
	best := 0
	bestActive := runtimes[0].ActiveRequests()
	for i := 1; i < len(runtimes); i++ {
		if a := runtimes[i].ActiveRequests(); a < bestActive {
			best, bestActive = i, a
		}
	}
	return best
}

// stickyHashIndex hashes fingerprint modulo the sum of weights and maps
// the result into a weighted bucket (spec §4.2 "sticky_hash").
func stickyHashIndex(fingerprint string, weights []int) int {
	total := 0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	bucket := int(h.Sum32()) % total
	if bucket < 0 {
		bucket += total
	}
	acc := 0
	for i, w := range weights {
		acc += w
		if bucket < acc {
			return i
		}
	}
	return len(weights) - 1
}

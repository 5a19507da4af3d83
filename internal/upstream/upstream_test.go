// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package upstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snakewayhq/snakeway/internal/config"
)

func breakerCfg() config.CircuitBreakerSpec {
	return config.CircuitBreakerSpec{
		FailureThreshold:    3,
		OpenDurationMS:      1000,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
		EnableAutoRecovery:  true,
	}
}

func TestRuntime_ActiveRequestsReturnsToZeroOnSuccess(t *testing.T) {
	r := NewRuntime("svc|a", "svc", "a", breakerCfg(), config.HealthCheckSpec{})
	g := r.Acquire()
	assert.Equal(t, int64(1), r.ActiveRequests())
	g.Success()
	g.Release()
	assert.Equal(t, int64(0), r.ActiveRequests())
}

func TestRuntime_ActiveRequestsReturnsToZeroOnFailure(t *testing.T) {
	r := NewRuntime("svc|a", "svc", "a", breakerCfg(), config.HealthCheckSpec{})
	g := r.Acquire()
	g.Failure(errors.New("boom"))
	g.Release()
	assert.Equal(t, int64(0), r.ActiveRequests())
}

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	r := NewRuntime("svc|a", "svc", "a", breakerCfg(), config.HealthCheckSpec{})
	g := r.Acquire()
	g.Success()
	g.Release()
	g.Release()
	assert.Equal(t, int64(0), r.ActiveRequests())
}

func TestRuntime_CandidateOKFalseWhenBreakerOpen(t *testing.T) {
	r := NewRuntime("svc|a", "svc", "a", breakerCfg(), config.HealthCheckSpec{})
	for i := 0; i < 3; i++ {
		g := r.Acquire()
		g.Failure(errors.New("boom"))
		g.Release()
	}
	assert.False(t, r.CandidateOK())
}

func TestRuntime_CandidateOKFalseWhenUnhealthy(t *testing.T) {
	hc := config.HealthCheckSpec{Enable: true, FailureThreshold: 2, UnhealthyCooldownSeconds: 60}
	r := NewRuntime("svc|a", "svc", "a", breakerCfg(), hc)
	for i := 0; i < 2; i++ {
		g := r.Acquire()
		g.Failure(errors.New("boom"))
		g.Release()
	}
	assert.False(t, r.Healthy())
	assert.False(t, r.CandidateOK())
}

func TestServiceRuntime_SmoothWeightedPick_Proportionality(t *testing.T) {
	sr := &ServiceRuntime{}
	candidates := []*Runtime{
		NewRuntime("svc|a", "svc", "a", breakerCfg(), config.HealthCheckSpec{}),
		NewRuntime("svc|b", "svc", "b", breakerCfg(), config.HealthCheckSpec{}),
	}
	weights := []int{3, 1}
	counts := make([]int, 2)
	const n = 4000
	for i := 0; i < n; i++ {
		idx := sr.SmoothWeightedPick(candidates, weights)
		counts[idx]++
	}
	require.InDelta(t, n*3/4, counts[0], float64(n)/40)
	require.InDelta(t, n*1/4, counts[1], float64(n)/40)
}

func TestServiceRuntime_NextRoundRobin_CyclesEvenly(t *testing.T) {
	sr := &ServiceRuntime{}
	seen := make([]int, 3)
	for i := 0; i < 9; i++ {
		seen[sr.NextRoundRobin(3)]++
	}
	for _, c := range seen {
		assert.Equal(t, 3, c)
	}
}

func TestRegistry_UpstreamReusesExistingEntry(t *testing.T) {
	reg := NewRegistry()
	r1 := reg.Upstream("svc|a", "svc", "a", breakerCfg(), config.HealthCheckSpec{})
	r1.activeRequests.Add(5)
	r2 := reg.Upstream("svc|a", "svc", "a", breakerCfg(), config.HealthCheckSpec{})
	assert.Same(t, r1, r2)
	assert.Equal(t, int64(5), r2.ActiveRequests())
}

func TestRegistry_PruneDropsOnlyIdleUnreferenced(t *testing.T) {
	reg := NewRegistry()
	reg.Upstream("svc|a", "svc", "a", breakerCfg(), config.HealthCheckSpec{})
	gone := reg.Upstream("svc|gone", "svc", "gone", breakerCfg(), config.HealthCheckSpec{})
	g := gone.Acquire()

	reg.Prune(map[string]struct{}{"svc|a": {}})
	assert.Len(t, reg.All(), 2, "in-flight upstream must not be pruned while active")

	g.Success()
	g.Release()
	reg.Prune(map[string]struct{}{"svc|a": {}})
	assert.Len(t, reg.All(), 1)
}

// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snakewayhq/snakeway/internal/config"
)

func testCfg() config.CircuitBreakerSpec {
	return config.CircuitBreakerSpec{
		FailureThreshold:      3,
		OpenDurationMS:        20,
		HalfOpenMaxRequests:   2,
		SuccessThreshold:      2,
		CountHTTP5xxAsFailure: true,
		EnableAutoRecovery:    true,
	}
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := New("api", "127.0.0.1:9001", testCfg())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New("api", "127.0.0.1:9001", testCfg())

	for i := 0; i < 3; i++ {
		g, ok := b.Admit()
		require.True(t, ok)
		g.Failure(errors.New("boom"))
	}

	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenRejectsAdmission(t *testing.T) {
	b := New("api", "127.0.0.1:9001", testCfg())
	for i := 0; i < 3; i++ {
		g, _ := b.Admit()
		g.Failure(errors.New("boom"))
	}
	require.Equal(t, StateOpen, b.State())

	_, ok := b.Admit()
	assert.False(t, ok)
}

func TestBreaker_TransitionsToHalfOpenAfterCooldown(t *testing.T) {
	cfg := testCfg()
	cfg.OpenDurationMS = 5
	b := New("api", "127.0.0.1:9001", cfg)
	for i := 0; i < 3; i++ {
		g, _ := b.Admit()
		g.Failure(errors.New("boom"))
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := testCfg()
	cfg.OpenDurationMS = 5
	b := New("api", "127.0.0.1:9001", cfg)
	for i := 0; i < 3; i++ {
		g, _ := b.Admit()
		g.Failure(errors.New("boom"))
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	for i := 0; i < cfg.SuccessThreshold; i++ {
		g, ok := b.Admit()
		require.True(t, ok)
		g.Success()
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cfg := testCfg()
	cfg.OpenDurationMS = 5
	b := New("api", "127.0.0.1:9001", cfg)
	for i := 0; i < 3; i++ {
		g, _ := b.Admit()
		g.Failure(errors.New("boom"))
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	g, ok := b.Admit()
	require.True(t, ok)
	g.Failure(errors.New("still broken"))

	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenInFlightCapEnforced(t *testing.T) {
	cfg := testCfg()
	cfg.OpenDurationMS = 5
	cfg.HalfOpenMaxRequests = 1
	cfg.SuccessThreshold = 5
	b := New("api", "127.0.0.1:9001", cfg)
	for i := 0; i < 3; i++ {
		g, _ := b.Admit()
		g.Failure(errors.New("boom"))
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	first, ok := b.Admit()
	require.True(t, ok)

	_, ok = b.Admit()
	assert.False(t, ok, "second concurrent half-open probe must be rejected while the first is in flight")

	first.Success()

	_, ok = b.Admit()
	assert.True(t, ok, "slot frees once the in-flight probe completes")
}

func TestBreaker_GuardCompletionIsIdempotent(t *testing.T) {
	b := New("api", "127.0.0.1:9001", testCfg())
	g, ok := b.Admit()
	require.True(t, ok)

	g.Success()
	assert.NotPanics(t, func() { g.Success() })
	assert.NotPanics(t, func() { g.Failure(errors.New("late")) })
}

func TestBreaker_NoAutoRecoveryStaysOpen(t *testing.T) {
	cfg := testCfg()
	cfg.OpenDurationMS = 5
	cfg.EnableAutoRecovery = false
	b := New("api", "127.0.0.1:9001", cfg)
	for i := 0; i < 3; i++ {
		g, _ := b.Admit()
		g.Failure(errors.New("boom"))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateOpen, b.State(), "without auto-recovery the breaker must not schedule a HalfOpen transition")
}

func TestBreaker_DetailsReflectsState(t *testing.T) {
	b := New("api", "127.0.0.1:9001", testCfg())
	d := b.Details()
	assert.Equal(t, StateClosed, d.State)
	assert.Equal(t, int64(0), d.ConsecutiveFailures)

	g, _ := b.Admit()
	g.Failure(errors.New("boom"))
	d = b.Details()
	assert.Equal(t, int64(1), d.ConsecutiveFailures)
}

// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package reload implements the reload coordinator (spec §4.8): the single
// path by which a SIGHUP or an admin POST turns a candidate configuration
// into the snapshot every worker reads. It never partial-applies — a
// validation failure retains the prior snapshot and reports diagnostics
// instead.
package reload

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/snakewayhq/snakeway/internal/config"
	"github.com/snakewayhq/snakeway/internal/device/builtin"
	"github.com/snakewayhq/snakeway/internal/logging"
	"github.com/snakewayhq/snakeway/internal/metrics"
	"github.com/snakewayhq/snakeway/internal/snapshot"
	"github.com/snakewayhq/snakeway/internal/upstream"
)

// Result is the outcome of one reload attempt (spec §4.8's admin response
// shape: {ok, epoch, errors?}).
type Result struct {
	OK     bool
	Epoch  uint64
	Errors []string
}

// Coordinator serializes reload attempts against a shared snapshot.Store:
// only one reload runs at a time, and any triggers that arrive while one is
// running are coalesced into exactly one follow-up run rather than queued
// (spec §4.8: "additional triggers while one is running are coalesced into
// exactly one pending reload").
type Coordinator struct {
	store         *snapshot.Store
	upstreams     *upstream.Registry
	loadConfig    func() (*config.Spec, error)
	buildPipeline func(*config.Spec) ([]snapshot.Device, error)

	mu         sync.Mutex
	cond       *sync.Cond
	running    bool
	pending    bool
	generation uint64
	lastResult Result

	epoch atomic.Uint64
}

// New builds a Coordinator around store and upstreams, the same instances
// the engine and admin surface read from. The current snapshot's epoch (if
// any) seeds the coordinator's counter so a reload after startup continues
// the sequence rather than restarting it at zero.
func New(store *snapshot.Store, upstreams *upstream.Registry) *Coordinator {
	c := &Coordinator{
		store:         store,
		upstreams:     upstreams,
		loadConfig:    config.Load,
		buildPipeline: buildDevicePipeline,
	}
	c.cond = sync.NewCond(&c.mu)
	if cur := store.Load(); cur != nil {
		c.epoch.Store(cur.Epoch)
	}
	return c
}

// Reload runs the four-step reload algorithm (spec §4.8: validate, build,
// swap, log) and returns its outcome. If a reload is already in flight,
// Reload marks one follow-up run as pending and blocks until that run
// (not necessarily the one currently executing) completes, so every caller
// still gets a result that reflects the trigger it made.
func (c *Coordinator) Reload(ctx context.Context) Result {
	c.mu.Lock()
	if c.running {
		c.pending = true
		waitGen := c.generation
		// generation reaches waitGen+1 when the in-flight run finishes and
		// waitGen+2 when the follow-up run this call asked for finishes.
		for c.generation < waitGen+2 {
			c.cond.Wait()
		}
		result := c.lastResult
		c.mu.Unlock()
		return result
	}
	c.running = true
	c.mu.Unlock()

	for {
		result := c.runOnce()

		c.mu.Lock()
		c.lastResult = result
		c.generation++
		again := c.pending
		c.pending = false
		if !again {
			c.running = false
		}
		c.cond.Broadcast()
		c.mu.Unlock()

		if !again {
			return result
		}
	}
}

// runOnce performs a single validate-build-swap-log pass.
func (c *Coordinator) runOnce() Result {
	start := time.Now()

	spec, err := c.loadConfig()
	if err != nil {
		c.observeFailure(start)
		logging.Error().Err(err).Msg("reload: candidate configuration invalid, retaining prior snapshot")
		return Result{OK: false, Epoch: c.epoch.Load(), Errors: diagnostics(err)}
	}

	devices, err := c.buildPipeline(spec)
	if err != nil {
		c.observeFailure(start)
		logging.Error().Err(err).Msg("reload: device pipeline invalid, retaining prior snapshot")
		return Result{OK: false, Epoch: c.epoch.Load(), Errors: diagnostics(err)}
	}

	epoch := c.epoch.Add(1)
	next := snapshot.Build(spec, epoch, devices)

	keep := make(map[string]struct{}, len(next.Services))
	for _, svc := range next.Services {
		for _, u := range svc.Upstreams {
			keep[u.ID] = struct{}{}
			c.upstreams.Upstream(u.ID, u.Service, u.Label(), svc.CircuitBreaker, svc.HealthCheck)
		}
	}

	c.store.Swap(next)
	c.upstreams.Prune(keep)

	metrics.ReloadEpoch.Set(float64(epoch))
	metrics.ReloadTotal.WithLabelValues("success").Inc()
	metrics.ReloadDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	logging.Info().Uint64("epoch", epoch).Msg("reload applied")

	return Result{OK: true, Epoch: epoch}
}

func (c *Coordinator) observeFailure(start time.Time) {
	metrics.ReloadTotal.WithLabelValues("validation_failed").Inc()
	metrics.ReloadDuration.WithLabelValues("validation_failed").Observe(time.Since(start).Seconds())
}

// diagnostics turns config.Load's single joined error into the diagnostics
// list the admin reload response names (spec §4.8), splitting on the
// separator Validate uses to join independent violations.
func diagnostics(err error) []string {
	msg := strings.TrimPrefix(err.Error(), "config: ")
	parts := strings.Split(msg, "; ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

// buildDevicePipeline constructs every enabled device named in spec.Devices
// (spec §4.5). Ordering is the engine's concern (device.NewRegistry applies
// it per request from the snapshot's raw device list), so this just builds
// one instance per declared, enabled device.
func buildDevicePipeline(spec *config.Spec) ([]snapshot.Device, error) {
	out := make([]snapshot.Device, 0, len(spec.Devices))
	for _, ds := range spec.Devices {
		if !ds.Enabled {
			continue
		}
		d, err := builtin.Build(ds)
		if err != nil {
			return nil, err
		}
		if d == nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Serve implements suture.Service: it listens for SIGHUP and runs the same
// Reload path an admin POST would (spec §4.8: "a SIGHUP ... triggers the
// same reload coordinator logic as the admin endpoint").
func (c *Coordinator) Serve(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sigCh:
			result := c.Reload(ctx)
			logging.Info().
				Bool("ok", result.OK).
				Uint64("epoch", result.Epoch).
				Msg("reload triggered by SIGHUP")
		}
	}
}

// String implements fmt.Stringer; suture uses it to name the service in
// log messages.
func (c *Coordinator) String() string { return "reload-coordinator" }

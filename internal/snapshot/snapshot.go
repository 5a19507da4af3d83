// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package snapshot defines the immutable runtime-state bundle (spec §3
// "Snapshot (RuntimeState)", §4.7) — routes, services, and the device
// pipeline — and Store, the atomic pointer that publishes it to every
// worker without locking on the hot path.
package snapshot

import (
	"sort"
	"sync/atomic"

	"github.com/snakewayhq/snakeway/internal/config"
)

// StaticTarget is a route's file-serving configuration (spec §3, §4.4).
type StaticTarget struct {
	Dir              string
	Index            string
	DirectoryListing bool
	MaxFileSize      int64
	Compression      config.CompressionSpec
	CachePolicy      config.CachePolicySpec
}

// Route is an immutable path-prefix-to-target mapping (spec §3).
type Route struct {
	Path                 string
	ServiceName          string // "" when Static != nil
	Static               *StaticTarget
	EnableWebsocket      bool
	WSIdleTimeoutSeconds int
	WSMaxConnections     int
}

// IsStatic reports whether this route serves files rather than proxying.
func (r *Route) IsStatic() bool { return r.Static != nil }

// Upstream is a single backend's immutable identity (spec §3). Mutable
// fields (health, counters, circuit) live in internal/upstream's Registry,
// keyed by ID.
type Upstream struct {
	ID      string // internal/upstream.StableID(service, addr-or-socket)
	Service string
	Index   int
	Addr    string
	Socket  string
	Weight  int
	TLS     bool
}

// Label is the human-readable identity used in logs, metrics, and the
// admin JSON surface.
func (u *Upstream) Label() string {
	if u.Socket != "" {
		return u.Socket
	}
	return u.Addr
}

// Service is a named collection of upstreams plus policy (spec §3).
type Service struct {
	Name           string
	Strategy       string
	Upstreams      []*Upstream
	HealthCheck    config.HealthCheckSpec
	CircuitBreaker config.CircuitBreakerSpec
}

// Snapshot is the immutable bundle every worker reads via an atomic load
// (spec §4.7). Devices is the fixed pipeline order (spec §4.5).
type Snapshot struct {
	Epoch    uint64
	Routes   []*Route // sorted by descending path length for longest-prefix match
	Services map[string]*Service
	Devices  []Device
}

// Device is the minimal shape Snapshot needs from internal/device.Device;
// defined here (rather than imported) to avoid a snapshot<->device import
// cycle, since devices are constructed with knowledge of the snapshot's
// routes/services.
type Device interface {
	Name() string
}

// Service looks up a service by name.
func (s *Snapshot) Service(name string) (*Service, bool) {
	svc, ok := s.Services[name]
	return svc, ok
}

// Build constructs a Snapshot from a validated config.Spec and a device
// pipeline, sorting routes by descending path length so the route matcher
// can do a simple ordered linear scan for longest-prefix match (spec
// §4.1).
func Build(spec *config.Spec, epoch uint64, devices []Device) *Snapshot {
	services := make(map[string]*Service, len(spec.Services))
	for _, svcSpec := range spec.Services {
		svc := &Service{
			Name:           svcSpec.Name,
			Strategy:       svcSpec.Strategy,
			HealthCheck:    svcSpec.HealthCheck,
			CircuitBreaker: svcSpec.CircuitBreaker,
		}
		for i, u := range svcSpec.Upstreams {
			label := u.Addr
			if u.Socket != "" {
				label = u.Socket
			}
			svc.Upstreams = append(svc.Upstreams, &Upstream{
				ID:      svcSpec.Name + "|" + label,
				Service: svcSpec.Name,
				Index:   i,
				Addr:    u.Addr,
				Socket:  u.Socket,
				Weight:  u.Weight,
				TLS:     u.TLS,
			})
		}
		services[svc.Name] = svc
	}

	routes := make([]*Route, 0, len(spec.Routes))
	for _, rt := range spec.Routes {
		route := &Route{
			Path:                 rt.Path,
			ServiceName:          rt.Service,
			EnableWebsocket:      rt.EnableWebsocket,
			WSIdleTimeoutSeconds: rt.WSIdleTimeoutSeconds,
			WSMaxConnections:     rt.WSMaxConnections,
		}
		if rt.Static != nil {
			route.Static = &StaticTarget{
				Dir:              rt.Static.Dir,
				Index:            rt.Static.Index,
				DirectoryListing: rt.Static.DirectoryListing,
				MaxFileSize:      rt.Static.MaxFileSize,
				Compression:      rt.Static.Compression,
				CachePolicy:      rt.Static.CachePolicy,
			}
		}
		routes = append(routes, route)
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Path) > len(routes[j].Path)
	})

	return &Snapshot{Epoch: epoch, Routes: routes, Services: services, Devices: devices}
}

// Store publishes the current Snapshot for wait-free concurrent reads
// (spec §4.7, §5 "Hot-path policy").
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// Load returns the current snapshot. Safe for concurrent use without
// locking.
func (s *Store) Load() *Snapshot { return s.ptr.Load() }

// Swap atomically replaces the current snapshot and returns the previous
// one (nil on the very first call).
func (s *Store) Swap(next *Snapshot) *Snapshot { return s.ptr.Swap(next) }

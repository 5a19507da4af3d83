// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/snakewayhq/snakeway/internal/logging"
	"github.com/snakewayhq/snakeway/internal/validation"
)

// Validate runs struct-tag validation (go-playground/validator v10, via the
// shared internal/validation singleton) followed by the cross-field and
// cross-section invariants spec §4.8 step 2 requires before a candidate
// spec may become the active snapshot. Every violation found is collected
// and returned together — the reload coordinator never partial-applies and
// the admin reload response is a diagnostics list, not a single error.
func Validate(s *Spec) error {
	applyZeroValueDefaults(s)

	var errs []string

	if verr := validation.ValidateStruct(s); verr != nil {
		for _, fe := range verr.Errors() {
			errs = append(errs, fe.Error())
		}
	}

	errs = append(errs, validateListeners(s.Listeners)...)
	errs = append(errs, validateServices(s.Services)...)
	errs = append(errs, validateRoutes(s.Routes, s.Services)...)

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// applyZeroValueDefaults fills in the nested defaults that defaultSpec
// cannot express via koanf's structs.Provider layering, because they are
// per-element defaults inside config-file-supplied slices (services,
// routes) rather than top-level scalars.
func applyZeroValueDefaults(s *Spec) {
	for i := range s.Services {
		svc := &s.Services[i]
		if svc.Strategy == "" {
			svc.Strategy = "round_robin"
		}
		if (svc.HealthCheck == HealthCheckSpec{}) {
			svc.HealthCheck = defaultHealthCheck()
		}
		if (svc.CircuitBreaker == CircuitBreakerSpec{}) {
			svc.CircuitBreaker = defaultCircuitBreaker()
		}
		for j := range svc.Upstreams {
			if svc.Upstreams[j].Weight == 0 {
				svc.Upstreams[j].Weight = 1
			}
		}
	}
	for i := range s.Routes {
		static := s.Routes[i].Static
		if static == nil {
			continue
		}
		if static.MaxFileSize == 0 {
			static.MaxFileSize = 100 << 20 // 100 MiB
		}
		if (static.Compression == CompressionSpec{}) {
			static.Compression = defaultStaticCompression()
		}
	}
}

// validateListeners requires at least one listener, rejects duplicate bind
// addresses and allows at most one admin listener; per-listener contents
// are left to struct tags.
func validateListeners(listeners []ListenerSpec) []string {
	var errs []string
	if len(listeners) == 0 {
		errs = append(errs, "at least one listener is required")
	}
	seen := make(map[string]bool, len(listeners))
	adminCount := 0
	for _, l := range listeners {
		if seen[l.Addr] {
			errs = append(errs, fmt.Sprintf("listener %q: duplicate bind address", l.Addr))
		}
		seen[l.Addr] = true
		if l.EnableAdmin {
			adminCount++
		}
	}
	if adminCount > 1 {
		errs = append(errs, "at most one listener should enable_admin; multiple admin listeners is almost always a config mistake")
	}
	return errs
}

// validateServices enforces "at least one upstream" and the Addr/Socket XOR
// (spec §3 "Upstream": exactly one of addr/socket is set).
func validateServices(services []ServiceSpec) []string {
	var errs []string
	seen := make(map[string]bool, len(services))
	for _, svc := range services {
		if seen[svc.Name] {
			errs = append(errs, fmt.Sprintf("service %q: duplicate name", svc.Name))
		}
		seen[svc.Name] = true

		if len(svc.Upstreams) == 0 {
			errs = append(errs, fmt.Sprintf("service %q: at least one upstream is required", svc.Name))
			continue
		}
		for i, up := range svc.Upstreams {
			hasAddr := up.Addr != ""
			hasSocket := up.Socket != ""
			if hasAddr == hasSocket {
				errs = append(errs, fmt.Sprintf("service %q upstream[%d]: exactly one of addr or socket must be set", svc.Name, i))
			}
		}
	}
	return errs
}

// validateRoutes enforces route path uniqueness and invariants, the
// Service/Static XOR, static directory existence/shape (spec §3 "Route"),
// and that every service-backed route names a service that actually exists
// (spec §4.8 step 2).
func validateRoutes(routes []RouteSpec, services []ServiceSpec) []string {
	var errs []string
	serviceNames := make(map[string]bool, len(services))
	for _, svc := range services {
		serviceNames[svc.Name] = true
	}
	referenced := make(map[string]bool, len(services))

	seenPaths := make(map[string]bool, len(routes))
	for _, r := range routes {
		if !strings.HasPrefix(r.Path, "/") {
			errs = append(errs, fmt.Sprintf("route %q: path must start with /", r.Path))
		}
		if seenPaths[r.Path] {
			errs = append(errs, fmt.Sprintf("route %q: duplicate path", r.Path))
		}
		seenPaths[r.Path] = true

		hasService := r.Service != ""
		hasStatic := r.Static != nil
		switch {
		case hasService == hasStatic:
			errs = append(errs, fmt.Sprintf("route %q: exactly one of service or static target must be set", r.Path))
		case hasService:
			if !serviceNames[r.Service] {
				errs = append(errs, fmt.Sprintf("route %q: service %q does not exist", r.Path, r.Service))
			}
			referenced[r.Service] = true
		case hasStatic:
			errs = append(errs, validateStatic(r.Path, r.Static)...)
		}
	}

	// An unreferenced service is logged as a warning, not a validation error.
	for _, svc := range services {
		if !referenced[svc.Name] {
			logging.Warn().Str("service", svc.Name).Msg("config: service is not referenced by any route")
		}
	}

	return errs
}

// validateStatic enforces spec §3's static-directory invariants: absolute,
// exists, is a directory, is not root.
func validateStatic(routePath string, s *StaticSpec) []string {
	var errs []string
	if !filepath.IsAbs(s.Dir) {
		errs = append(errs, fmt.Sprintf("route %q: static.dir must be an absolute path", routePath))
		return errs
	}
	clean := filepath.Clean(s.Dir)
	if clean == "/" || clean == string(filepath.Separator) {
		errs = append(errs, fmt.Sprintf("route %q: static.dir must not be the filesystem root", routePath))
	}
	if info, err := statDir(s.Dir); err != nil {
		errs = append(errs, fmt.Sprintf("route %q: static.dir %q: %v", routePath, s.Dir, err))
	} else if !info.IsDir() {
		errs = append(errs, fmt.Sprintf("route %q: static.dir %q is not a directory", routePath, s.Dir))
	}
	return errs
}

// statDir wraps os.Stat so validateStatic has a single seam to stub in
// tests that synthesize directories under t.TempDir().
func statDir(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// validateCIDRs reports the first entry of cidrs that does not parse as a
// CIDR. Nothing calls it: network_policy allow/deny lists are not checked at
// validation time, and NewNetworkPolicy skips entries that fail to parse.
func validateCIDRs(cidrs []string) error {
	for _, c := range cidrs {
		if _, _, err := net.ParseCIDR(c); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", c, err)
		}
	}
	return nil
}

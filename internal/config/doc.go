// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

/*
Package config provides centralized configuration management for Snakeway.

This package loads, defaults, and validates the proxy's configuration tree:
server-wide settings, listeners, services (upstream pools with load-balancing
and circuit-breaker policy), and routes (service-backed or static-file).
Configuration is layered with koanf v2 exactly as described in spec §6:

  - Built-in defaults (defaultSpec)
  - An optional YAML config file (first of DefaultConfigPaths found, or
    $CONFIG_PATH)
  - Environment variables (highest priority, SNAKEWAY_-prefixed)

# Usage

	spec, err := config.Load()
	if err != nil {
	    log.Fatalf("configuration invalid: %v", err)
	}

Load returns a fully validated *Spec or a wrapped error describing every
validation failure found (never just the first one) — this is the same
error list surfaced by the reload coordinator's POST /admin/reload response
on a failed reload (spec §4.8 step 3).

Parsing of the HCL configuration surface, directory include/glob expansion,
TLS certificate loading, and the CLI command shell are out of scope for this
package (spec §1); it owns the validated-spec shape downstream of the loader
spec §6 treats as an external collaborator.

# Thread safety

A *Spec is immutable after Load returns and is safe for concurrent use by
every goroutine that builds a runtime snapshot from it.
*/
package config

// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package builtin implements Snakeway's four built-in devices (spec §4.5):
// identity, request_filter, network_policy, structured_logging.
package builtin

import (
	"fmt"

	"github.com/snakewayhq/snakeway/internal/config"
	"github.com/snakewayhq/snakeway/internal/device"
)

// Build constructs a built-in device from a snapshot's device spec,
// decoding and validating its config block (spec §4.5: "Unknown
// configuration keys are rejected at build time"). Returns (nil, nil) for
// an unrecognized type so sandboxed/module-loaded device kinds (explicitly
// out of scope, spec §1) can be layered in later without this function
// having to know about them.
func Build(spec config.DeviceSpec) (device.Device, error) {
	switch spec.Type {
	case "identity":
		var cfg IdentityConfig
		if err := device.DecodeConfig(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("device %q: %w", spec.Type, err)
		}
		return NewIdentity(cfg), nil
	case "request_filter":
		var cfg RequestFilterConfig
		if err := device.DecodeConfig(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("device %q: %w", spec.Type, err)
		}
		return NewRequestFilter(cfg), nil
	case "network_policy":
		var cfg NetworkPolicyConfig
		if err := device.DecodeConfig(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("device %q: %w", spec.Type, err)
		}
		return NewNetworkPolicy(cfg), nil
	case "structured_logging":
		var cfg StructuredLoggingConfig
		if err := device.DecodeConfig(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("device %q: %w", spec.Type, err)
		}
		return NewStructuredLogging(cfg), nil
	default:
		return nil, nil
	}
}

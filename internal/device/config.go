// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package device

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/snakewayhq/snakeway/internal/validation"
)

// DecodeConfig decodes a device's raw config block (spec §3 "Device") into
// out, rejecting unknown keys (spec.md §4.5: "Unknown configuration keys
// are rejected at build time") via mapstructure's strict-decode mode — the
// same decoder koanf uses internally for the rest of the configuration
// tree — then applies out's validator tags.
func DecodeConfig(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "koanf",
	})
	if err != nil {
		return fmt.Errorf("device: building config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("device: decoding config: %w", err)
	}
	if verr := validation.ValidateStruct(out); verr != nil {
		return fmt.Errorf("device: invalid config: %w", verr)
	}
	return nil
}

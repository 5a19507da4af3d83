// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package builtin

import (
	"github.com/rs/zerolog"

	"github.com/snakewayhq/snakeway/internal/device"
	"github.com/snakewayhq/snakeway/internal/logging"
)

// StructuredLoggingConfig configures the observe-only event emitter (spec
// §4.5 "structured_logging"). Header/identity inclusion is opt-in, with an
// allowlist and redaction list, to avoid leaking sensitive data by default.
type StructuredLoggingConfig struct {
	LogOnRequest    bool     `koanf:"log_on_request"`
	LogOnResponse   bool     `koanf:"log_on_response"`
	LogOnError      bool     `koanf:"log_on_error"`
	IncludeHeaders  bool     `koanf:"include_headers"`
	HeaderAllowlist []string `koanf:"header_allowlist"`
	RedactHeaders   []string `koanf:"redact_headers"`
	IncludeIdentity bool     `koanf:"include_identity"`
}

// StructuredLogging is an observe-only device that runs last in the
// pipeline (spec §4.5 "Device ordering") and emits one structured event per
// configured lifecycle phase.
type StructuredLogging struct {
	cfg StructuredLoggingConfig
}

// NewStructuredLogging builds a StructuredLogging device.
func NewStructuredLogging(cfg StructuredLoggingConfig) *StructuredLogging {
	return &StructuredLogging{cfg: cfg}
}

// Name implements device.Device.
func (*StructuredLogging) Name() string { return "structured_logging" }

func (l *StructuredLogging) event(ctx *device.RequestCtx, event string) *zerolog.Event {
	ev := logging.Info().Str("event", event).Str("method", ctx.Method).Str("uri", ctx.URI)
	if l.cfg.IncludeIdentity {
		if id, ok := device.GetExtension[ClientIdentity](ctx.Extensions()); ok {
			ev = ev.Str("identity", id.IP)
		}
	}
	if l.cfg.IncludeHeaders {
		for k, vs := range ctx.Headers {
			if contains(l.cfg.RedactHeaders, k) {
				continue
			}
			if len(l.cfg.HeaderAllowlist) > 0 && !contains(l.cfg.HeaderAllowlist, k) {
				continue
			}
			if len(vs) > 0 {
				ev = ev.Str("header."+k, vs[0])
			}
		}
	}
	return ev
}

// OnRequest implements device.OnRequestHook.
func (l *StructuredLogging) OnRequest(ctx *device.RequestCtx) device.Decision {
	if l.cfg.LogOnRequest {
		l.event(ctx, "request").Msg("request received")
	}
	return device.ContinueDecision()
}

// OnResponse implements device.OnResponseHook.
func (l *StructuredLogging) OnResponse(ctx *device.RequestCtx, resp *device.ResponseCtx) {
	if !l.cfg.LogOnResponse {
		return
	}
	l.event(ctx, "response").Int("status", resp.Status).Msg("response emitted")
}

// OnError implements device.OnErrorHook.
func (l *StructuredLogging) OnError(ctx *device.RequestCtx, kind device.ErrorKind) {
	if !l.cfg.LogOnError {
		return
	}
	l.event(ctx, "error").Str("kind", string(kind)).Msg("request errored")
}

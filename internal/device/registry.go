// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package device

// Registry is the immutable, ordered device pipeline for one snapshot
// (spec §3 "Device", §4.5 "Device ordering"). Devices execute in
// declaration order; identity runs first and structured_logging runs last
// when present, matching SPEC_FULL.md's resolution of the open question
// on device ordering.
type Registry struct {
	devices []Device
}

// NewRegistry orders devices per spec §4.5: identity first (if present),
// structured_logging last (if present), everything else preserved in its
// declared order in between.
func NewRegistry(devices []Device) *Registry {
	var identity, logging Device
	var rest []Device
	for _, d := range devices {
		switch d.Name() {
		case "identity":
			identity = d
		case "structured_logging":
			logging = d
		default:
			rest = append(rest, d)
		}
	}
	ordered := make([]Device, 0, len(devices))
	if identity != nil {
		ordered = append(ordered, identity)
	}
	ordered = append(ordered, rest...)
	if logging != nil {
		ordered = append(ordered, logging)
	}
	return &Registry{devices: ordered}
}

// Devices returns the ordered device pipeline.
func (reg *Registry) Devices() []Device { return reg.devices }

// DispatchOnRequest runs on_request on every device in order, stopping at
// the first non-Continue decision (spec §4.6 phase 2).
func (reg *Registry) DispatchOnRequest(ctx *RequestCtx) Decision {
	for _, d := range reg.devices {
		h, ok := d.(OnRequestHook)
		if !ok {
			continue
		}
		dec := h.OnRequest(ctx)
		if dec.Kind != Continue {
			return dec
		}
	}
	return ContinueDecision()
}

// DispatchStreamRequestBody runs on_stream_request_body for every device
// that implements it, for one chunk (spec §4.6 phase 4).
func (reg *Registry) DispatchStreamRequestBody(ctx *RequestCtx, chunk []byte) Decision {
	for _, d := range reg.devices {
		h, ok := d.(StreamRequestBodyHook)
		if !ok {
			continue
		}
		dec := h.OnStreamRequestBody(ctx, chunk)
		if dec.Kind != Continue {
			return dec
		}
	}
	return ContinueDecision()
}

// DispatchBeforeProxy runs before_proxy in order (spec §4.6 phase 5,
// service targets only).
func (reg *Registry) DispatchBeforeProxy(ctx *RequestCtx) Decision {
	for _, d := range reg.devices {
		h, ok := d.(BeforeProxyHook)
		if !ok {
			continue
		}
		dec := h.BeforeProxy(ctx)
		if dec.Kind != Continue {
			return dec
		}
	}
	return ContinueDecision()
}

// DispatchAfterProxy runs after_proxy in order (spec §4.6 phase 5).
func (reg *Registry) DispatchAfterProxy(ctx *RequestCtx, resp *ResponseCtx) Decision {
	for _, d := range reg.devices {
		h, ok := d.(AfterProxyHook)
		if !ok {
			continue
		}
		dec := h.AfterProxy(ctx, resp)
		if dec.Kind != Continue {
			return dec
		}
	}
	return ContinueDecision()
}

// DispatchOnResponse runs on every device that implements it, regardless
// of earlier short-circuits or errors (spec §4.6 phase 7).
func (reg *Registry) DispatchOnResponse(ctx *RequestCtx, resp *ResponseCtx) {
	for _, d := range reg.devices {
		if h, ok := d.(OnResponseHook); ok {
			h.OnResponse(ctx, resp)
		}
	}
}

// DispatchOnError runs on every device that implements it (spec §4.6
// phase 6).
func (reg *Registry) DispatchOnError(ctx *RequestCtx, kind ErrorKind) {
	for _, d := range reg.devices {
		if h, ok := d.(OnErrorHook); ok {
			h.OnError(ctx, kind)
		}
	}
}

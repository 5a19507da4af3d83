// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package builtin

import (
	"net/http"
	"strconv"

	"github.com/snakewayhq/snakeway/internal/device"
	"github.com/snakewayhq/snakeway/internal/metrics"
)

// RequestFilterConfig configures method/header/body policy (spec §4.5
// "request_filter").
type RequestFilterConfig struct {
	AllowedMethods    []string `koanf:"allowed_methods"`
	DeniedMethods     []string `koanf:"denied_methods"`
	DenyHeaders       []string `koanf:"deny_headers"`
	AllowHeaders      []string `koanf:"allow_headers"`
	RequireHeaders    []string `koanf:"require_headers"`
	MaxHeaderBytes    int      `koanf:"max_header_bytes" validate:"gte=0"`
	MaxBodyBytes      int64    `koanf:"max_body_bytes" validate:"gte=0"`
	TightBodyBytes    int64    `koanf:"tight_body_bytes" validate:"gte=0"`
	DenyStatus        int      `koanf:"deny_status" validate:"omitempty,gte=100,lte=599"`
}

// tightBodyMethods carries suspicious bodies and gets the tighter cap
// (spec §4.5).
var tightBodyMethods = map[string]bool{"DELETE": true, "OPTIONS": true}

// RequestFilterDecision is published into extensions for observability
// (spec §9).
type RequestFilterDecision struct {
	Allowed bool
	Reason  string
}

// RequestFilter enforces method allow/deny and header policy (spec §4.5).
type RequestFilter struct {
	cfg RequestFilterConfig
}

// NewRequestFilter builds a RequestFilter device.
func NewRequestFilter(cfg RequestFilterConfig) *RequestFilter {
	if cfg.DenyStatus == 0 {
		cfg.DenyStatus = http.StatusForbidden
	}
	return &RequestFilter{cfg: cfg}
}

// Name implements device.Device.
func (*RequestFilter) Name() string { return "request_filter" }

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// OnRequest implements device.OnRequestHook. Evaluation order of header
// rules: deny -> allow-universe -> required (spec §4.5).
func (f *RequestFilter) OnRequest(ctx *device.RequestCtx) device.Decision {
	reject := func(reason string) device.Decision {
		device.SetExtension(ctx.Extensions(), RequestFilterDecision{Allowed: false, Reason: reason})
		metrics.DevicePolicyRejectionsTotal.WithLabelValues("request_filter", strconv.Itoa(f.cfg.DenyStatus)).Inc()
		return device.RespondNowDecision(f.cfg.DenyStatus, nil, nil)
	}

	if len(f.cfg.DeniedMethods) > 0 && contains(f.cfg.DeniedMethods, ctx.Method) {
		return reject("method_denied")
	}
	if len(f.cfg.AllowedMethods) > 0 && !contains(f.cfg.AllowedMethods, ctx.Method) {
		return reject("method_not_allowed")
	}

	headerBytes := 0
	for k, vs := range ctx.Headers {
		if len(f.cfg.DenyHeaders) > 0 && contains(f.cfg.DenyHeaders, k) {
			return reject("header_denied")
		}
		for _, v := range vs {
			headerBytes += len(k) + len(v)
		}
	}
	if f.cfg.MaxHeaderBytes > 0 && headerBytes > f.cfg.MaxHeaderBytes {
		return reject("header_bytes_exceeded")
	}
	if len(f.cfg.AllowHeaders) > 0 {
		for k := range ctx.Headers {
			if !contains(f.cfg.AllowHeaders, k) {
				return reject("header_not_allowed")
			}
		}
	}
	for _, required := range f.cfg.RequireHeaders {
		if ctx.Headers.Get(required) == "" {
			return reject("required_header_missing")
		}
	}

	device.SetExtension(ctx.Extensions(), RequestFilterDecision{Allowed: true})
	return device.ContinueDecision()
}

// bodyCap returns the body byte cap that applies to ctx.Method (spec §4.5:
// "tight cap for methods with suspicious bodies").
func (f *RequestFilter) bodyCap(method string) int64 {
	if tightBodyMethods[method] && f.cfg.TightBodyBytes > 0 {
		return f.cfg.TightBodyBytes
	}
	return f.cfg.MaxBodyBytes
}

// OnStreamRequestBody implements device.StreamRequestBodyHook, enforcing
// the body size cap mid-stream (spec §4.6 phase 4).
func (f *RequestFilter) OnStreamRequestBody(ctx *device.RequestCtx, chunk []byte) device.Decision {
	limit := f.bodyCap(ctx.Method)
	if limit <= 0 {
		return device.ContinueDecision()
	}
	seen, _ := device.GetExtension[bodyBytesSeen](ctx.Extensions())
	seen.n += int64(len(chunk))
	device.SetExtension(ctx.Extensions(), seen)
	if seen.n > limit {
		metrics.DevicePolicyRejectionsTotal.WithLabelValues("request_filter", strconv.Itoa(f.cfg.DenyStatus)).Inc()
		return device.ErrorDecision(device.ErrPolicyRejected)
	}
	return device.ContinueDecision()
}

type bodyBytesSeen struct{ n int64 }

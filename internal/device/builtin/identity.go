// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package builtin

import (
	"net"
	"strings"

	"github.com/snakewayhq/snakeway/internal/device"
)

// ClientIdentity is published into the request's typed extensions map by
// Identity (spec §4.5 "identity"). Later devices and structured_logging
// read it via device.GetExtension instead of re-parsing headers.
type ClientIdentity struct {
	IP string
}

// IdentityConfig configures trusted proxy peeling (spec §4.5).
type IdentityConfig struct {
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// Identity resolves the canonical client IP by walking X-Forwarded-For
// right-to-left from the peer, stopping at the first address not in
// trusted_proxies (spec §4.5). It never mutates headers.
type Identity struct {
	cfg  IdentityConfig
	nets []*net.IPNet
}

// NewIdentity builds an Identity device from its decoded configuration.
func NewIdentity(cfg IdentityConfig) *Identity {
	id := &Identity{cfg: cfg}
	for _, c := range cfg.TrustedProxies {
		if _, n, err := net.ParseCIDR(c); err == nil {
			id.nets = append(id.nets, n)
		}
	}
	return id
}

// Name implements device.Device.
func (*Identity) Name() string { return "identity" }

func (id *Identity) trusted(ip net.IP) bool {
	for _, n := range id.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// OnRequest implements device.OnRequestHook.
func (id *Identity) OnRequest(ctx *device.RequestCtx) device.Decision {
	peerIP := peerHost(ctx)
	client := peerIP

	// X-Forwarded-For is only honored when the peer itself is a trusted proxy.
	if xff := ctx.Headers.Get("X-Forwarded-For"); xff != "" && id.trusted(net.ParseIP(peerIP)) {
		parts := strings.Split(xff, ",")
		// Walk right-to-left: the rightmost entry is closest to us.
		for i := len(parts) - 1; i >= 0; i-- {
			candidate := strings.TrimSpace(parts[i])
			ip := net.ParseIP(candidate)
			if ip == nil {
				break
			}
			if !id.trusted(ip) {
				client = candidate
				break
			}
			client = candidate
		}
	}

	device.SetExtension(ctx.Extensions(), ClientIdentity{IP: client})
	return device.ContinueDecision()
}

func peerHost(ctx *device.RequestCtx) string {
	if ctx.Peer == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(ctx.Peer.String())
	if err != nil {
		return ctx.Peer.String()
	}
	return host
}

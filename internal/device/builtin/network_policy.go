// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package builtin

import (
	"net"
	"net/http"
	"strconv"

	"github.com/snakewayhq/snakeway/internal/device"
	"github.com/snakewayhq/snakeway/internal/metrics"
)

// NetworkPolicyConfig configures CIDR allow/deny on the client IP (spec
// §4.5 "network_policy").
type NetworkPolicyConfig struct {
	AllowCIDRs        []string `koanf:"allow_cidrs"`
	DenyCIDRs         []string `koanf:"deny_cidrs"`
	RequireIPv4       bool     `koanf:"require_ipv4"`
	RequireIPv6       bool     `koanf:"require_ipv6"`
	DenyOnMissingPeer bool     `koanf:"deny_on_missing_peer"`
	DenyStatus        int      `koanf:"deny_status" validate:"omitempty,gte=100,lte=599"`
}

// NetworkPolicy enforces CIDR allow/deny and IP family gating on the
// client IP resolved by Identity (spec §4.5).
type NetworkPolicy struct {
	cfg   NetworkPolicyConfig
	allow []*net.IPNet
	deny  []*net.IPNet
}

// NewNetworkPolicy builds a NetworkPolicy device.
func NewNetworkPolicy(cfg NetworkPolicyConfig) *NetworkPolicy {
	if cfg.DenyStatus == 0 {
		cfg.DenyStatus = http.StatusForbidden
	}
	np := &NetworkPolicy{cfg: cfg}
	for _, c := range cfg.AllowCIDRs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			np.allow = append(np.allow, n)
		}
	}
	for _, c := range cfg.DenyCIDRs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			np.deny = append(np.deny, n)
		}
	}
	return np
}

// Name implements device.Device.
func (*NetworkPolicy) Name() string { return "network_policy" }

func anyContains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// OnRequest implements device.OnRequestHook.
func (np *NetworkPolicy) OnRequest(ctx *device.RequestCtx) device.Decision {
	reject := func() device.Decision {
		metrics.DevicePolicyRejectionsTotal.WithLabelValues("network_policy", strconv.Itoa(np.cfg.DenyStatus)).Inc()
		return device.RespondNowDecision(np.cfg.DenyStatus, nil, nil)
	}

	identity, ok := device.GetExtension[ClientIdentity](ctx.Extensions())
	if !ok || identity.IP == "" {
		if np.cfg.DenyOnMissingPeer {
			return reject()
		}
		return device.ContinueDecision()
	}

	ip := net.ParseIP(identity.IP)
	if ip == nil {
		if np.cfg.DenyOnMissingPeer {
			return reject()
		}
		return device.ContinueDecision()
	}

	if np.cfg.RequireIPv4 && ip.To4() == nil {
		return reject()
	}
	if np.cfg.RequireIPv6 && ip.To4() != nil {
		return reject()
	}
	if len(np.deny) > 0 && anyContains(np.deny, ip) {
		return reject()
	}
	if len(np.allow) > 0 && !anyContains(np.allow, ip) {
		return reject()
	}
	return device.ContinueDecision()
}

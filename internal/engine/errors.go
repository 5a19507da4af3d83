// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package engine

import (
	"net/http"

	"github.com/snakewayhq/snakeway/internal/device"
)

// defaultStatus maps an ErrorKind to its default HTTP status (spec §7
// "ERROR HANDLING DESIGN"). PolicyRejected maps to 403 here; a device that
// rejects through its own RespondNow decision supplies its status directly
// and does not pass through this table.
func defaultStatus(kind device.ErrorKind) int {
	switch kind {
	case device.ErrRouteNotFound:
		return http.StatusNotFound
	case device.ErrUpstreamUnavailable, device.ErrUpstreamTransportFailure:
		return http.StatusBadGateway
	case device.ErrStaticNotFound:
		return http.StatusNotFound
	case device.ErrStaticForbidden:
		return http.StatusForbidden
	case device.ErrStaticIO:
		return http.StatusInternalServerError
	case device.ErrPolicyRejected:
		return http.StatusForbidden
	case device.ErrClientGone:
		return 0 // no response is sent; the client already left
	default:
		return http.StatusInternalServerError
	}
}

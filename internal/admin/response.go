// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package admin

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/snakewayhq/snakeway/internal/logging"
)

// writeJSON encodes v as the response body with status, using goccy/go-json
// for the same fast-path encoding the rest of this tree's JSON surfaces use.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("admin: failed to encode JSON response")
	}
}

// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package routing implements the longest-prefix route matcher (spec §4.1).
package routing

import (
	"strings"

	"github.com/snakewayhq/snakeway/internal/snapshot"
)

// Matcher resolves a request path to the route with the longest matching
// prefix. Routes must already be sorted by descending path length
// (snapshot.Build does this at snapshot-build time).
type Matcher struct {
	routes []*snapshot.Route
}

// New builds a Matcher over an already-sorted route list.
func New(routes []*snapshot.Route) *Matcher {
	return &Matcher{routes: routes}
}

// Match returns the route with the longest prefix that is a prefix of
// path, and the matched prefix length, or false if none matches (spec
// §4.1). An empty path is treated as "/"; matching is case-sensitive.
func (m *Matcher) Match(path string) (*snapshot.Route, int, bool) {
	if path == "" {
		path = "/"
	}
	for _, r := range m.routes {
		if strings.HasPrefix(path, r.Path) {
			return r, len(r.Path), true
		}
	}
	return nil, 0, false
}

// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package routes

import (
	"net/http"

	"codeberg.org/edgesplit/edgesplit/core/origin"
)

// PassThrough relays viewer traffic to the configured origin.
//
// Everything that is not a service endpoint lands here after the splitter has
// run: assigned viewers carry their cookie through to the origin, and fresh
// viewers were already redirected before reaching this handler.
func PassThrough(w http.ResponseWriter, r *http.Request) error {
	return origin.Handler(w, r)
}

// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package routes

import (
	"encoding/json"
	"net/http"
)

// BlockData is the body of a refusal response.
type BlockData struct {
	Reason string `json:"reason"`
}

// BlockPage answers a refused request with a small JSON body carrying the
// reason. Refusals are never cacheable.
func BlockPage(w http.ResponseWriter, data BlockData, statusCode int) {
	header := w.Header()
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json; charset=utf-8")

	w.WriteHeader(statusCode)

	// The status line is already out; nothing useful to do with an encode
	// failure here.
	_ = json.NewEncoder(w).Encode(data)
}

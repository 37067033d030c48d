// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package middleware

import (
	"net/http"
	"sync/atomic"

	"codeberg.org/edgesplit/edgesplit/config"
)

// SetResponseHeaders stamps the EdgeSplit version headers onto HTTP responses.
//
// The origin owns the rest of the response surface, so no security or caching
// policy is applied here; headers relayed from upstream pass through untouched.
func SetResponseHeaders(w http.ResponseWriter, r *http.Request, next http.Handler) {
	headers := w.Header()

	headers.Set("Edgesplit-Version", config.BuildVersion)
	headers.Set("Edgesplit-Revision", config.Global.Build.Revision())

	if config.Global.Development.InDevelopment {
		clearClientCacheOnce(headers)
	}

	next.ServeHTTP(w, r)
}

// clearCacheSent tracks whether the one-shot Clear-Site-Data header went out.
var clearCacheSent atomic.Bool

// clearClientCacheOnce asks the first browser of a development session to
// drop its cache, so edits show up without a hard reload.
func clearClientCacheOnce(headers http.Header) {
	if clearCacheSent.Swap(true) {
		return
	}

	headers.Set("Clear-Site-Data", `"cache"`)
}

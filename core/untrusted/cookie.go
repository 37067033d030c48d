// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package untrusted

import (
	"net/http"
	"slices"

	"codeberg.org/edgesplit/edgesplit/core/cookie"
)

// GetCookie returns the raw value of the named cookie, or "" when the
// request carries no such cookie.
//
// The value is returned exactly as the user agent sent it. No decoding is
// applied: every cookie this service issues holds a bare token, and anything
// else in the jar is opaque client state.
func GetCookie(r *http.Request, name cookie.CookieName) string {
	c, err := r.Cookie(string(name))
	if err != nil {
		return ""
	}

	return c.Value
}

// SetCookie appends c to the response verbatim.
//
// Callers are responsible for the cookie's shape. The assignment cookie in
// particular must stay attribute-free so that the Set-Cookie value
// serializes to exactly `name=value`; clients echo that pair back and the
// recognition path matches it byte-for-byte.
func SetCookie(w http.ResponseWriter, c http.Cookie) {
	http.SetCookie(w, &c)
}

// HasForeignCookies reports whether the request carries any cookie other
// than the ones this service issues.
//
// Foreign cookies usually mean per-user origin state (sessions, carts), so
// responses to such requests must never be served from or stored in the
// shared micro-cache.
func HasForeignCookies(r *http.Request) bool {
	for _, c := range r.Cookies() {
		if !slices.Contains(cookie.AllCookieNames, cookie.CookieName(c.Name)) {
			return true
		}
	}

	return false
}

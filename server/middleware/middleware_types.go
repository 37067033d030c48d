// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package middleware

import "net/http"

// Middleware is one link of the server's request chain. An implementation
// either calls next to continue the chain or writes its own response to
// short-circuit it.
type Middleware func(w http.ResponseWriter, r *http.Request, next http.Handler)

// Wrap binds next into m, yielding a plain handler for running a single
// middleware outside a router chain.
func Wrap(m Middleware, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m(w, r, next)
	}
}

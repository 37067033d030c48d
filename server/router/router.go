// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"net/http"

	"codeberg.org/edgesplit/edgesplit/server/middleware"
)

// Router is an http.ServeMux with an ordered middleware chain in front of it.
// Each middleware decides whether to call the next link or answer the request
// itself.
type Router struct {
	*http.ServeMux

	chain []middleware.Middleware
}

func NewRouter() *Router {
	return &Router{ServeMux: http.NewServeMux()}
}

// Use appends m to the chain. Registration order is execution order.
func (rt *Router) Use(m middleware.Middleware) {
	rt.chain = append(rt.chain, m)
}

// ServeHTTP walks the middleware chain and ends at the mux.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.invoke(0, w, r)
}

// invoke runs chain[i], handing it a next handler that continues at i+1.
// Past the end of the chain the embedded mux dispatches to the routes.
func (rt *Router) invoke(i int, w http.ResponseWriter, r *http.Request) {
	if i >= len(rt.chain) {
		rt.ServeMux.ServeHTTP(w, r)

		return
	}

	rt.chain[i](w, r, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.invoke(i+1, w, r)
	}))
}

// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"codeberg.org/edgesplit/edgesplit/server/middleware"
)

// TestMiddlewareOrder verifies that middlewares run outermost-first, in
// registration order, before the mux dispatches to the handler.
func TestMiddlewareOrder(t *testing.T) {
	t.Parallel()

	var calls []string

	named := func(name string) middleware.Middleware {
		return func(w http.ResponseWriter, r *http.Request, next http.Handler) {
			calls = append(calls, name)
			next.ServeHTTP(w, r)
		}
	}

	router := NewRouter()
	router.Use(named("outer"))
	router.Use(named("inner"))
	router.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		calls = append(calls, "handler")
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rr.Code != http.StatusNoContent {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusNoContent)
	}

	want := []string{"outer", "inner", "handler"}
	if len(calls) != len(want) {
		t.Fatalf("chain ran %d steps, want %d: %v", len(calls), len(want), calls)
	}

	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("step %d: got %q want %q", i, calls[i], want[i])
		}
	}
}

// TestMiddlewareShortCircuit verifies that a middleware which writes a
// response without calling next keeps the handler from running.
func TestMiddlewareShortCircuit(t *testing.T) {
	t.Parallel()

	router := NewRouter()
	router.Use(func(w http.ResponseWriter, _ *http.Request, _ http.Handler) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	handlerRan := false

	router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		handlerRan = true
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/anything", nil))

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusTooManyRequests)
	}

	if handlerRan {
		t.Error("handler ran despite middleware short-circuiting the chain")
	}
}

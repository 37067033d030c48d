// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package splitter

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/core/experiment"
	"codeberg.org/edgesplit/edgesplit/server/middleware"
	"codeberg.org/edgesplit/edgesplit/server/request_context"
)

// newSplitterRequest builds a request with an attached request context, the
// shape Evaluate sees in the real middleware chain.
func newSplitterRequest(t *testing.T, target string, cookies ...string) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.Header.Add("Cookie", c)
	}

	return req.WithContext(request_context.WithRequestContext(req.Context()))
}

// pinDraw forces fresh assignments to a fixed draw value for the duration of
// the test. Tests using it mutate the process-wide assigner and must not run
// in parallel.
func pinDraw(t *testing.T, value float64) {
	t.Helper()

	experiment.Default.Rand = func() float64 { return value }
	t.Cleanup(func() { experiment.Default.Rand = nil })
}

func TestEvaluatePassesThroughAssignedClients(t *testing.T) {
	nextCalled := false
	handler := middleware.Wrap(Evaluate, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true

		rc := request_context.FromRequest(r)
		if rc.Decision == nil {
			t.Fatal("Expected a decision to be recorded in the request context")
		}

		if rc.Decision.Variant != experiment.VariantA {
			t.Errorf("Expected variant A, got %q", rc.Decision.Variant)
		}

		if rc.Decision.Source != experiment.SourceCookie {
			t.Errorf("Expected source %q, got %q", experiment.SourceCookie, rc.Decision.Source)
		}

		w.WriteHeader(http.StatusOK)
	}))

	req := newSplitterRequest(t, "/products/42", "session=opaque; X-Experiment-Name=A")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !nextCalled {
		t.Fatal("Expected an assigned client to pass through to the next handler")
	}

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rr.Code)
	}

	if got := rr.Header().Values("Set-Cookie"); len(got) != 0 {
		t.Errorf("Expected no Set-Cookie for an assigned client, got %v", got)
	}
}

func TestEvaluateAssignsAndRedirects(t *testing.T) {
	tests := []struct {
		name         string
		draw         float64
		wantLocation string
		wantCookie   string
	}{
		{
			name:         "DrawBelowShareLandsOnA",
			draw:         0.2,
			wantLocation: "/",
			wantCookie:   "X-Experiment-Name=A",
		},
		{
			name:         "DrawAtShareLandsOnB",
			draw:         0.75,
			wantLocation: "/blue/",
			wantCookie:   "X-Experiment-Name=B",
		},
		{
			name:         "DrawAboveShareLandsOnB",
			draw:         0.9,
			wantLocation: "/blue/",
			wantCookie:   "X-Experiment-Name=B",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pinDraw(t, tt.draw)

			nextCalled := false
			handler := middleware.Wrap(Evaluate, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
			}))

			req := newSplitterRequest(t, "/landing")
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if nextCalled {
				t.Error("Expected a fresh assignment to redirect, not pass through")
			}

			if rr.Code != http.StatusFound {
				t.Errorf("Expected status %d, got %d", http.StatusFound, rr.Code)
			}

			if got := rr.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Expected Location %q, got %q", tt.wantLocation, got)
			}

			// The Set-Cookie header must serialize to exactly the marker
			// literal; assigned clients echo it back byte-for-byte.
			setCookies := rr.Header().Values("Set-Cookie")
			if len(setCookies) != 1 || setCookies[0] != tt.wantCookie {
				t.Errorf("Expected Set-Cookie [%q], got %v", tt.wantCookie, setCookies)
			}

			if got := rr.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Expected Cache-Control no-store on a redirect, got %q", got)
			}

			if got := rr.Header().Get("Vary"); got != "Cookie" {
				t.Errorf("Expected Vary Cookie on a redirect, got %q", got)
			}
		})
	}
}

func TestEvaluateAssignsClientsWithForeignCookiesOnly(t *testing.T) {
	pinDraw(t, 0.2)

	handler := middleware.Wrap(Evaluate, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := newSplitterRequest(t, "/", "session=opaque; theme=dark")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusFound {
		t.Errorf("Expected a client without a marker to be redirected, got status %d", rr.Code)
	}
}

func TestEvaluateSkipsServicePaths(t *testing.T) {
	for _, path := range []string{"/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			var decision *experiment.Decision

			handler := middleware.Wrap(Evaluate, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				decision = request_context.FromRequest(r).Decision

				w.WriteHeader(http.StatusOK)
			}))

			req := newSplitterRequest(t, path)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Errorf("Expected service path to pass through, got status %d", rr.Code)
			}

			if decision != nil {
				t.Errorf("Expected no decision on a service path, got %+v", decision)
			}

			if got := rr.Header().Values("Set-Cookie"); len(got) != 0 {
				t.Errorf("Expected no Set-Cookie on a service path, got %v", got)
			}
		})
	}
}

func TestEvaluateSkipsDebugPathsInDevelopment(t *testing.T) {
	config.Global.Development.InDevelopment = true
	t.Cleanup(func() { config.Global.Development.InDevelopment = false })

	handler := middleware.Wrap(Evaluate, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := newSplitterRequest(t, "/debug/pprof/")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected debug path to pass through in development, got status %d", rr.Code)
	}

	if got := rr.Header().Values("Set-Cookie"); len(got) != 0 {
		t.Errorf("Expected no Set-Cookie on a debug path, got %v", got)
	}
}

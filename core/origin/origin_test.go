// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package origin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"codeberg.org/edgesplit/edgesplit/config"
)

// setTestOrigin points the global configuration at a test server.
//
// Tests in this package mutate shared configuration, so none of them run in
// parallel.
func setTestOrigin(t *testing.T, rawURL string) {
	t.Helper()

	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("failed to parse origin URL %q: %v", rawURL, err)
	}

	config.Global.Origin.URL = *parsed
	config.Global.Origin.RequestTimeout = 5 * time.Second
}

func TestHandlerForwardsRequest(t *testing.T) {
	var (
		gotTarget  string
		gotMethod  string
		gotHeaders http.Header
	)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTarget = r.URL.RequestURI()
		gotMethod = r.Method
		gotHeaders = r.Header.Clone()

		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	setTestOrigin(t, origin.URL)

	req := httptest.NewRequest(http.MethodGet, "/search?q=a&page=2", nil)
	req.Header.Set("Cookie", "X-Experiment-Name=A")
	req.Header.Set("X-Custom", "yes")
	req.Header.Set("Connection", "X-Drop-Me")
	req.Header.Set("X-Drop-Me", "secret")

	rec := httptest.NewRecorder()

	if err := Handler(rec, req); err != nil {
		t.Fatalf("Handler() error = %v", err)
	}

	if gotMethod != http.MethodGet {
		t.Errorf("origin saw method %q, want GET", gotMethod)
	}

	if gotTarget != "/search?q=a&page=2" {
		t.Errorf("origin saw target %q, want path and query forwarded unchanged", gotTarget)
	}

	if got := gotHeaders.Get("Cookie"); got != "X-Experiment-Name=A" {
		t.Errorf("origin saw Cookie %q, want the assignment cookie forwarded", got)
	}

	if got := gotHeaders.Get("X-Custom"); got != "yes" {
		t.Errorf("origin saw X-Custom %q, want end-to-end header forwarded", got)
	}

	if got := gotHeaders.Get("X-Drop-Me"); got != "" {
		t.Errorf("origin saw X-Drop-Me %q, want Connection-nominated header dropped", got)
	}
}

func TestHandlerRelaysResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin-Flavor", "blue")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer origin.Close()

	setTestOrigin(t, origin.URL)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	if err := Handler(rec, req); err != nil {
		t.Fatalf("Handler() error = %v", err)
	}

	if rec.Code != http.StatusTeapot {
		t.Errorf("relayed status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	if got := rec.Header().Get("X-Origin-Flavor"); got != "blue" {
		t.Errorf("relayed X-Origin-Flavor = %q, want origin header relayed", got)
	}

	if rec.Body.String() != "short and stout" {
		t.Errorf("relayed body = %q, want origin body relayed", rec.Body.String())
	}
}

func TestHandlerOriginDown(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	originURL := origin.URL

	// Close immediately so the address refuses connections.
	origin.Close()

	setTestOrigin(t, originURL)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	err := Handler(rec, req)
	if err == nil {
		t.Fatal("Handler() expected error for unreachable origin, got nil")
	}

	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("Handler() error = %v, want ErrUnreachable in chain", err)
	}
}

func TestHandlerClientDisconnect(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	setTestOrigin(t, origin.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the viewer has already gone away

	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	if err := Handler(rec, req); err != nil {
		t.Fatalf("Handler() error = %v, want nil for a disconnected client", err)
	}
}

func TestCopyHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("X-Keep", "1")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Connection", "keep-alive, X-Nominated")
	src.Set("X-Nominated", "drop")
	src.Add("Accept", "text/html")
	src.Add("Accept", "application/json")

	dst := http.Header{}
	copyHeaders(dst, src)

	if got := dst.Get("X-Keep"); got != "1" {
		t.Errorf("X-Keep = %q, want end-to-end header copied", got)
	}

	if got := dst.Values("Accept"); len(got) != 2 {
		t.Errorf("Accept values = %v, want both copied", got)
	}

	for _, name := range []string{"Transfer-Encoding", "Keep-Alive", "Connection", "X-Nominated"} {
		if got := dst.Get(name); got != "" {
			t.Errorf("%s = %q, want hop-by-hop header dropped", name, got)
		}
	}
}

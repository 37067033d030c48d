// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

/*
Package origin relays viewer traffic to the configured origin server.

The handler forwards requests byte-for-byte: the assignment cookie travels
with the request, and whatever the origin serves for a path is relayed
unchanged. Which content a given variant sees is the origin's routing
concern, not ours.
*/
package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/core/audit"
	"codeberg.org/edgesplit/edgesplit/core/idgen"
	"codeberg.org/edgesplit/edgesplit/core/metrics"
	"codeberg.org/edgesplit/edgesplit/server/request_context"
	"codeberg.org/edgesplit/edgesplit/server/utils"
)

// ErrUnreachable indicates that the origin could not be reached or did not
// produce a readable response. The error handler maps it to 502.
var ErrUnreachable = errors.New("origin unreachable")

// hopByHopHeaders are connection-level headers that must not be forwarded in
// either direction (RFC 9110, section 7.6.1). Keys are in canonical form.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Handler forwards the request to the configured origin and relays the
// response to the viewer.
//
// The splitter has already run by the time this handler is reached, so every
// request either carries a recognized assignment cookie or was redirected
// before getting here.
func Handler(w http.ResponseWriter, r *http.Request) error {
	base := config.Global.Origin.URL
	target := utils.ResolveTarget(&base, r.URL)

	var variant string
	if rc := request_context.FromRequest(r); rc.Decision != nil {
		variant = string(rc.Decision.Variant)
	}

	policy := determineCachePolicy(r, variant)
	if policy.cachedItem != nil {
		item := policy.cachedItem

		copyHeaders(w.Header(), item.Header)
		w.WriteHeader(item.StatusCode)

		if _, err := w.Write(item.Body); err != nil {
			return fmt.Errorf("failed to write cached response body: %w", err)
		}

		return nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.Global.Origin.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", target, err)
	}

	copyHeaders(req.Header, r.Header)

	//nolint:bodyclose // fetch closes the original body and returns a NopCloser.
	resp, bodyBytes, err := fetch(ctx, req, variant)
	if err != nil {
		// A canceled viewer context means the client went away; anything else,
		// including our own fetch deadline, is an upstream failure.
		if isContextCanceled(err) && r.Context().Err() != nil {
			return nil
		}

		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	storeResponse(policy, resp, bodyBytes)

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := w.Write(bodyBytes); err != nil {
		return fmt.Errorf("failed to write response body: %w", err)
	}

	return nil
}

// fetch executes the HTTP request, reads the body for auditing, and returns
// the response with a new, readable body stream, along with the raw body
// bytes.
func fetch(ctx context.Context, req *http.Request, variant string) (_ *http.Response, _ []byte, err error) {
	span := audit.Span{
		Destination: audit.ToOrigin,
		RequestID:   request_context.FromContext(ctx).RequestID + "-" + idgen.Make(),
		Method:      req.Method,
		URL:         req.URL.String(),
		Variant:     variant,
	}

	defer func() { span.Error = err }()

	_ = span.Begin(ctx)
	defer span.End() // in case of error

	start := time.Now()

	resp, err := utils.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to make HTTP request: %w", err)
	}
	defer resp.Body.Close()

	span.StatusCode = resp.StatusCode

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	span.Body = body

	span.End()
	span.Log()

	metrics.Default.CountOriginRequest(variant, resp.StatusCode)
	metrics.Default.ObserveOriginDuration(time.Since(start).Seconds())

	// Replace the consumed body with a new reader so the caller can still read it.
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return resp, body, nil
}

// copyHeaders copies end-to-end headers from src to dst.
//
// Hop-by-hop headers are dropped, including any header nominated by the
// Connection header itself.
func copyHeaders(dst, src http.Header) {
	nominated := make(map[string]bool)

	for _, value := range src.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name)); name != "" {
				nominated[name] = true
			}
		}
	}

	for name, values := range src {
		if hopByHopHeaders[name] || nominated[name] {
			continue
		}

		dst[name] = append(dst[name], values...)
	}
}

// isContextCanceled returns true if the error is due to context cancellation or deadline exceeded.
// In these cases, we should simply stop processing and return, as the client has disconnected.
func isContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

/*
Package request_context carries per-request state through the middleware
chain.

It lives in its own package so that middleware, routes, and the error
handler can all reach the same state without importing each other.
*/
package request_context

import (
	"context"
	"net/http"

	"codeberg.org/edgesplit/edgesplit/core/experiment"
	"codeberg.org/edgesplit/edgesplit/core/idgen"
)

// RequestContext is the mutable state attached to every request.
//
// The chain writes to it from the outside in: WithRequestContext seeds the
// ID, the splitter records its Decision, and CatchError fills StatusCode and
// RequestError from whatever the inner handlers did.
type RequestContext struct {
	// RequestID correlates log lines and events for one request.
	RequestID string

	// RequestError is the failure that aborted normal handling, if any.
	// CatchError turns it into a status page.
	RequestError error

	// StatusCode to send in the response. Starts at 200 OK.
	StatusCode int

	// Decision is the variant assignment made for this request. It stays
	// nil on service routes that sit outside the experiment (health,
	// metrics).
	Decision *experiment.Decision
}

type contextKey struct{}

// WithRequestContext seeds a fresh RequestContext and attaches it to ctx.
// Runs once per request, first in the middleware chain.
func WithRequestContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, &RequestContext{
		RequestID:  idgen.Make(),
		StatusCode: http.StatusOK,
	})
}

// FromContext returns the request's state, or a usable zero value when the
// middleware never ran (direct handler tests). Callers never need a nil
// check.
func FromContext(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(contextKey{}).(*RequestContext); ok {
		return rc
	}

	return &RequestContext{StatusCode: http.StatusOK}
}

// FromRequest is shorthand for FromContext(r.Context()).
func FromRequest(r *http.Request) *RequestContext {
	return FromContext(r.Context())
}

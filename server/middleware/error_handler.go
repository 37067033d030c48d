// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package middleware

import (
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"

	"github.com/rs/zerolog/log"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/core/audit"
	"codeberg.org/edgesplit/edgesplit/core/origin"
	"codeberg.org/edgesplit/edgesplit/server/request_context"
	"codeberg.org/edgesplit/edgesplit/server/routes"
)

// CatchError adapts an error-returning handler into a standard http.HandlerFunc.
//
// The handler writes into an httptest.ResponseRecorder rather than the real
// connection, so nothing reaches the client until the middleware has seen both
// the buffered response and the returned error. The buffering is what lets a
// failure discovered late still produce a clean status page.
//
// The final response is chosen as follows: an error wrapping
// origin.ErrUnreachable discards the buffer and serves a 502 status page; any
// other error returned before the handler committed an error status (< 400)
// discards the buffer and serves a 500; everything else relays to the client
// verbatim, including origin error statuses such as a 404, which are real
// responses rather than failures of ours.
//
// Each request ends with an audit span carrying the status, duration, assigned
// variant, and error, except on paths excluded from server logging.
func CatchError(handler func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := request_context.FromRequest(r)

		span := audit.Span{
			Destination: audit.ToViewer,
			RequestID:   ctx.RequestID,
			Method:      r.Method,
			URL:         r.URL.String(),
		}

		_ = span.Begin(r.Context())
		defer span.End()

		recorder := httptest.NewRecorder()
		ctx.RequestError = handler(recorder, r)

		switch {
		case errors.Is(ctx.RequestError, origin.ErrUnreachable):
			// Nothing came back from the origin, so whatever the handler
			// buffered is meaningless. Answer for the origin ourselves.
			serveStatusPage(w, r, ctx, http.StatusBadGateway)

		case ctx.RequestError != nil && recorder.Code < http.StatusBadRequest:
			// The handler failed without committing an error status.
			serveStatusPage(w, r, ctx, http.StatusInternalServerError)

		default:
			relayBuffered(w, recorder, ctx)
		}

		if ctx.Decision != nil {
			span.Variant = string(ctx.Decision.Variant)
		}

		span.StatusCode = ctx.StatusCode
		span.Error = ctx.RequestError

		if !config.Global.ShouldSkipServerLogging(r.URL.Path) {
			span.Log()
		}
	}
}

// serveStatusPage drops the buffered handler output and writes our own status
// page instead. StatusPage reads the error and code back out of ctx.
func serveStatusPage(w http.ResponseWriter, r *http.Request, ctx *request_context.RequestContext, status int) {
	ctx.StatusCode = status

	w.WriteHeader(status)
	routes.StatusPage(w, r)
}

// relayBuffered copies the recorder's headers, status, and body out to the
// client unchanged.
func relayBuffered(w http.ResponseWriter, recorder *httptest.ResponseRecorder, ctx *request_context.RequestContext) {
	if recorder.Code == 0 {
		recorder.Code = http.StatusOK
	}

	ctx.StatusCode = recorder.Code

	maps.Copy(w.Header(), recorder.Header())
	w.WriteHeader(recorder.Code)

	if _, err := recorder.Body.WriteTo(w); err != nil {
		log.Err(err).Msg("Could not relay buffered response body")
	}
}

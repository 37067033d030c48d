// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package splitter buckets every viewer into an experiment variant before the
// request reaches the origin pass-through.
package splitter

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/core/events"
	"codeberg.org/edgesplit/edgesplit/core/experiment"
	"codeberg.org/edgesplit/edgesplit/core/metrics"
	"codeberg.org/edgesplit/edgesplit/core/untrusted"
	"codeberg.org/edgesplit/edgesplit/server/request_context"
)

// excludedPaths won't have variants assigned by the splitter middleware.
var excludedPaths = []string{
	"/healthz",
	"/metrics",
}

// Evaluate is the entrypoint to the splitter middleware.
//
// A request whose Cookie header carries a recognized variant marker proceeds
// directly; anything else is drawn a variant, pinned via Set-Cookie, and
// bounced to the variant's entry path with a 302. The decision is recorded in
// the request context either way so downstream handlers can key on it.
func Evaluate(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if slices.Contains(excludedPaths, r.URL.Path) {
		next.ServeHTTP(w, r)

		return
	}

	// pprof and flight recorder endpoints are only registered in development
	if config.Global.Development.InDevelopment && strings.HasPrefix(r.URL.Path, "/debug/") {
		next.ServeHTTP(w, r)

		return
	}

	decision := experiment.Default.Decide(r)

	rc := request_context.FromRequest(r)
	rc.Decision = &decision

	metrics.Default.CountDecision(string(decision.Variant), string(decision.Source))

	if decision.Source == experiment.SourceCookie {
		// Already bucketed; the assignment is sticky.
		next.ServeHTTP(w, r)

		return
	}

	log.Info().
		Str("request_id", rc.RequestID).
		Str("path", r.URL.Path).
		Str("variant", string(decision.Variant)).
		Msg("Assigned fresh variant")

	events.Publish(events.Event{
		RequestID: rc.RequestID,
		Path:      r.URL.Path,
		Variant:   string(decision.Variant),
		Source:    string(decision.Source),
		Timestamp: time.Now(),
	})

	untrusted.SetCookie(w, *experiment.Cookie(decision.Variant))

	// A fresh assignment must never be cached or replayed across cookie states.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Add("Vary", "Cookie")

	http.Redirect(w, r, decision.Variant.Location(), http.StatusFound)
}

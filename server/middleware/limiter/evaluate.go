// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package limiter

import (
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/core/metrics"
	"codeberg.org/edgesplit/edgesplit/server/routes"
)

// Names for the advisory headers from the IETF ratelimit headers draft
// (draft-polli-ratelimit-headers-02). RateLimit-Status is our own addition
// and reports the network's current tier.
const (
	HeaderRateLimitLimit     = "RateLimit-Limit"
	HeaderRateLimitRemaining = "RateLimit-Remaining"
	HeaderRateLimitReset     = "RateLimit-Reset"
	HeaderRateLimitStatus    = "RateLimit-Status"
)

// Service endpoints are exempt from filtering so orchestrator probes and
// Prometheus scrapes never burn tokens.
var excludedPaths = []string{"/healthz", "/metrics"}

// Evaluate applies the per-network rate limit to one request.
//
// Implementation notes:
//   - Limits are shared per IP network rather than per address, so a scraper
//     rotating through a /24 gains nothing by hopping addresses.
//   - A network's tier is earned from its own recent behavior: enough
//     exhausted requests in the history window tighten its bucket, and calm
//     traffic relaxes it again.
func Evaluate(w http.ResponseWriter, r *http.Request, next http.Handler) {
	defer DoCleanup()

	client, err := newClientInfo(r)
	if err != nil {
		// Without a resolvable network there is nothing to key the limit on.
		// Fail open: the splitter must keep answering even when a proxy
		// mangles the forwarding headers.
		log.Warn().Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("Could not resolve client network, skipping limiter")
		next.ServeHTTP(w, r)

		return
	}

	// Service endpoints are never filtered.
	if client.isExcludedPath(r) {
		next.ServeHTTP(w, r)

		return
	}

	network := client.network.String()
	clientLog := log.With().
		Str("ip", client.ip.String()).
		Str("network", network).
		Logger()

	// The operator's explicit lists outrank every later check.
	if allowed, blocked := client.checkIPLists(); allowed {
		clientLog.Info().Msg("Allowing request, IP is pass-listed")
		metrics.Default.CountLimiterDecision("pass")
		next.ServeHTTP(w, r)

		return
	} else if blocked {
		clientLog.Warn().Msg("Blocking request, IP is block-listed")

		metrics.Default.CountLimiterDecision("block")
		routes.BlockPage(w, routes.BlockData{Reason: "IP is block-listed"}, http.StatusForbidden)

		return
	}

	// Link-local traffic passes untouched unless the operator opted in to
	// filtering it.
	if !config.Global.Limiter.FilterLocal && client.isLocalLink() {
		next.ServeHTTP(w, r)

		return
	}

	// Consume one token, then record the outcome so the network's history
	// reflects the pressure it's putting on the bucket.
	client.limiter = getOrCreateLimiter(network)

	throttleReason := checkRateLimit(client.limiter, network)
	updateNetworkHistory(client.limiter, network, throttleReason != "")

	if throttleReason != "" {
		clientLog.Warn().
			Str("reason", throttleReason).
			Msg("Throttling request, bucket exhausted")
		writeRateLimitHeaders(w, client)

		metrics.Default.CountLimiterDecision("throttle")
		routes.BlockPage(w, routes.BlockData{Reason: throttleReason}, http.StatusTooManyRequests)

		return
	}

	writeRateLimitHeaders(w, client)
	metrics.Default.CountLimiterDecision("allow")
	next.ServeHTTP(w, r)
}

// writeRateLimitHeaders reports the state of the client's token bucket in
// the response headers. It is a no-op when the request never reached the
// rate limiting stage.
func writeRateLimitHeaders(w http.ResponseWriter, client *ClientInfo) {
	if client == nil || client.limiter == nil {
		return
	}

	client.limiter.mu.Lock()
	defer client.limiter.mu.Unlock()

	bucket := client.limiter.limiter
	tokens := bucket.Tokens()
	burst := bucket.Burst()

	// Whole tokens left, clamped to the burst size.
	remaining := min(int(math.Floor(tokens)), burst)

	// Seconds until the bucket is full again; zero when it already is.
	var resetAfter int64

	if deficit := float64(burst) - tokens; deficit > 0 && bucket.Limit() > 0 {
		resetAfter = int64(math.Ceil(deficit / float64(bucket.Limit())))
	}

	reset := strconv.FormatInt(resetAfter, 10)

	header := w.Header()
	header.Set(HeaderRateLimitLimit, strconv.Itoa(burst))
	header.Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
	header.Set(HeaderRateLimitReset, reset)

	// An exhausted bucket also advertises when to come back. Retry-After
	// takes seconds, same unit as the reset field.
	if remaining <= 0 {
		header.Set("Retry-After", reset)
	}

	status := "Normal"
	if client.limiter.isRestricted {
		status = "Restricted"
	}

	header.Set(HeaderRateLimitStatus, status)
}

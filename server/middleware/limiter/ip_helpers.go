// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package limiter

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/rs/zerolog/log"
)

// resolveClientIP picks the client address for a request.
//
// Forwarding headers are honored only when the TCP peer is a private or
// loopback address, meaning our own reverse proxy. X-Real-IP wins over
// X-Forwarded-For; from the latter we take the last hop, the one appended by
// the proxy closest to us.
func resolveClientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	trusted := false
	if addr, err := netip.ParseAddr(peer); err == nil {
		trusted = addr.IsPrivate() || addr.IsLoopback()
	}

	switch {
	case trusted:
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}

		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			hops := strings.Split(xff, ",")

			return strings.TrimSpace(hops[len(hops)-1])
		}

	case peer == "":
		log.Error().Msg("Could not determine client IP")

		return ""

	default:
		log.Warn().
			Str("remote_ip", peer).
			Msg("Untrusted peer, ignoring forwarding headers")
	}

	return peer
}

// addrMatchesList reports whether addr equals or falls inside any entry of a
// pass or block list. Entries are bare addresses or CIDR prefixes; anything
// that parses as neither is skipped.
func addrMatchesList(addr netip.Addr, cidrs []string) bool {
	needle := addr.String()

	for _, entry := range cidrs {
		if entry == needle {
			return true
		}

		if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
			return true
		}
	}

	return false
}

// getNetwork masks addr down to its network prefix, the granularity at which
// rate limits are shared.
//
// Returns false when the configured prefix length is invalid for the address
// family.
func getNetwork(addr netip.Addr, ipv4Prefix, ipv6Prefix int) (netip.Prefix, bool) {
	bits := ipv6Prefix
	if addr.Is4() {
		bits = ipv4Prefix
	}

	prefix, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}, false
	}

	return prefix, true
}

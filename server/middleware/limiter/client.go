// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package limiter

import (
	"errors"
	"net/http"
	"net/netip"
	"slices"

	"codeberg.org/edgesplit/edgesplit/config"
)

var (
	errClientIPUnknown   = errors.New("client IP could not be determined")
	errClientIPUnparsed  = errors.New("client IP does not parse as an address")
	errNetworkUnresolved = errors.New("no network prefix for client address")
)

// ClientInfo bundles everything the limiter needs to know about one request:
// the resolved client address, the network it is billed against, and that
// network's bucket. Instances live for a single request.
type ClientInfo struct {
	ip      netip.Addr
	network netip.Prefix
	limiter *limiterWrapper
}

// newClientInfo resolves the request's client address and network. The
// limiter field stays nil until the caller decides a bucket is needed.
func newClientInfo(r *http.Request) (*ClientInfo, error) {
	clientIP := resolveClientIP(r)
	if clientIP == "" {
		return nil, errClientIPUnknown
	}

	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return nil, errClientIPUnparsed
	}

	// Unmap so IPv4 clients behind IPv6 listeners mask with the IPv4 prefix.
	addr = addr.Unmap()

	network, ok := getNetwork(addr, config.Global.Limiter.IPv4Prefix, config.Global.Limiter.IPv6Prefix)
	if !ok {
		return nil, errNetworkUnresolved
	}

	return &ClientInfo{
		ip:      addr,
		network: network,
	}, nil
}

// checkIPLists consults the configured pass and block lists, in that order.
// At most one of the two results is true.
func (c *ClientInfo) checkIPLists() (bool, bool) {
	if c.isPassListed() {
		return true, false
	}

	if c.isBlockListed() {
		return false, true
	}

	return false, false
}

// isExcludedPath reports whether the request targets a service endpoint that
// skips all limiter checks.
func (c *ClientInfo) isExcludedPath(r *http.Request) bool {
	return slices.Contains(excludedPaths, r.URL.Path)
}

// isPassListed reports whether c.ip is on the configured pass list.
func (c *ClientInfo) isPassListed() bool {
	return addrMatchesList(c.ip, config.Global.Limiter.PassIPs)
}

// isBlockListed reports whether c.ip is on the configured block list.
func (c *ClientInfo) isBlockListed() bool {
	return addrMatchesList(c.ip, config.Global.Limiter.BlockIPs)
}

// isLocalLink reports whether c.ip is link-local, covering 169.254.0.0/16
// for IPv4 and fe80::/10 for IPv6.
func (c *ClientInfo) isLocalLink() bool {
	return c.ip.IsLinkLocalUnicast()
}

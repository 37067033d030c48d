// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseURL parses raw into a *url.URL, requiring both a scheme and a host.
// Any trailing slash on the path is dropped so downstream joins never double
// a separator. The role string names the URL's purpose in error messages.
func ParseURL(raw, role string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s URL: %w", role, err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf(
			"%s URL %q needs both a scheme and a host, e.g. https://example.com", role, raw)
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed, nil
}

// ResolveTarget maps a viewer request URL onto an upstream base URL.
//
// The base's path, if any, becomes a prefix; the request's path and raw query
// are carried over byte-for-byte. ParseURL guarantees the base path carries no
// trailing slash, so the join never doubles a separator.
func ResolveTarget(base *url.URL, reqURL *url.URL) *url.URL {
	target := *base
	target.Path = base.Path + reqURL.Path
	target.RawQuery = reqURL.RawQuery

	if reqURL.RawPath != "" {
		target.RawPath = base.EscapedPath() + reqURL.RawPath
	} else {
		target.RawPath = ""
	}

	return &target
}

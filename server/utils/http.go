// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"crypto/tls"
	"net/http"
)

// HTTPClient is the shared client for upstream fetches and health probes.
//
// Every request goes to the single configured origin, so the per-host idle
// pool is effectively the process-wide connection pool.
var HTTPClient = &http.Client{Transport: newTransport()}

func newTransport() *http.Transport {
	const (
		sessionCacheSize = 20      // Resumable TLS sessions kept per client.
		idleConnsPerHost = 20
		bufferSize       = 32 << 10 // Read and write buffers, in bytes.
	)

	return &http.Transport{
		TLSClientConfig: &tls.Config{
			ClientSessionCache: tls.NewLRUClientSessionCache(sessionCacheSize),
			MinVersion:         tls.VersionTLS12,
		},
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: idleConnsPerHost,
		WriteBufferSize:     bufferSize,
		ReadBufferSize:      bufferSize,
	}
}

// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import "time"

const (
	// Default origin request timeout in seconds.
	defaultOriginRequestTimeoutSeconds = 30
	// Default origin probe interval in seconds. Zero disables probing.
	defaultOriginProbeIntervalSeconds = 15

	// Default cache TTL in seconds. Origin responses are micro-cached, so the
	// window stays short to keep deploys visible quickly.
	defaultCacheTTLSeconds = 10
	// Default upper bound for a cacheable response body, in bytes.
	defaultCacheMaxBodySize = 1 << 20

	// Default capacity of the assignment event buffer.
	defaultEventsBufferSize = 1024
)

// SetDefaults resets cfg to the baseline values that the file, environment,
// and flag layers then overlay.
func (cfg *ServerConfig) SetDefaults() {
	cfg.Basic.Host = "localhost"
	cfg.Basic.Port = "8482"

	cfg.Origin.RequestTimeout = defaultOriginRequestTimeoutSeconds * time.Second
	cfg.Origin.ProbeInterval = defaultOriginProbeIntervalSeconds * time.Second

	cfg.Cache.Enabled = false
	cfg.Cache.Size = 500
	cfg.Cache.TTL = defaultCacheTTLSeconds * time.Second
	cfg.Cache.MaxBodySize = defaultCacheMaxBodySize

	cfg.Metrics.Enabled = true

	cfg.Events.Enabled = false
	cfg.Events.Subject = "edgesplit.assignments"
	cfg.Events.BufferSize = defaultEventsBufferSize

	cfg.Development.SaveResponses = false
	cfg.Development.ResponseSaveLocation = "/tmp/edgesplit/responses"

	cfg.Log.Level = "info"
	cfg.Log.Outputs = []string{"/dev/stderr"}
	cfg.Log.Format = "console"

	cfg.Limiter.Enabled = false
	cfg.Limiter.StateFilepath = "./data/limiter_state.json"
	cfg.Limiter.FilterLocal = false
	cfg.Limiter.IPv4Prefix = 24
	cfg.Limiter.IPv6Prefix = 48
}

// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package routes

import (
	"encoding/json"
	"fmt"
	"net/http"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/core/origin"
)

// healthzData is the JSON body served on /healthz.
type healthzData struct {
	Status  string `json:"status"`
	Version string `json:"version"`

	// Origin holds the last probe round, absent until one completes or when
	// probing is disabled.
	Origin *origin.ProbeStatus `json:"origin,omitempty"`
}

// Healthz reports process liveness plus the most recent origin probe round.
//
// Answering at all is the liveness signal; the probe block is informational
// so orchestrators can alert on a dead variant without marking the splitter
// itself unhealthy.
func Healthz(w http.ResponseWriter, _ *http.Request) error {
	data := healthzData{
		Status:  "ok",
		Version: config.BuildVersion,
	}

	if probe := origin.LastProbe(); !probe.CheckedAt.IsZero() {
		data.Origin = &probe
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode healthz response: %w", err)
	}

	return nil
}

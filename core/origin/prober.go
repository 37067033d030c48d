// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package origin

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/core/experiment"
	"codeberg.org/edgesplit/edgesplit/core/metrics"
	"codeberg.org/edgesplit/edgesplit/server/utils"
)

// ProbeStatus is a snapshot of the most recent probe round.
type ProbeStatus struct {
	CheckedAt time.Time       `json:"checkedAt"`
	Variants  map[string]bool `json:"variants"`
}

var prober struct {
	mu     sync.RWMutex
	status ProbeStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// StartProber launches the background prober that checks both variant entry
// paths on the configured interval. A zero interval disables probing.
func StartProber() {
	interval := config.Global.Origin.ProbeInterval
	if interval <= 0 {
		log.Info().
			Msg("Origin probing is disabled, skipping prober start")

		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	prober.mu.Lock()
	prober.cancel = cancel
	prober.done = done
	prober.mu.Unlock()

	go probeLoop(ctx, interval, done)

	log.Info().
		Dur("interval", interval).
		Msg("Started origin health prober")
}

// StopProber halts the background prober and waits for any in-flight round
// to finish. Safe to call when the prober never started.
func StopProber() {
	prober.mu.Lock()
	cancel, done := prober.cancel, prober.done
	prober.cancel, prober.done = nil, nil
	prober.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

// LastProbe returns a snapshot of the most recent probe round.
//
// The zero snapshot (no CheckedAt) means no round has completed yet.
func LastProbe() ProbeStatus {
	prober.mu.RLock()
	defer prober.mu.RUnlock()

	status := prober.status

	// Copy the map so callers can't race with the next round.
	if status.Variants != nil {
		variants := make(map[string]bool, len(status.Variants))
		for name, up := range status.Variants {
			variants[name] = up
		}

		status.Variants = variants
	}

	return status
}

func probeLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First round runs immediately so /healthz has data soon after boot.
	probeRound(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeRound(ctx)
		}
	}
}

// probeRound checks both variant entry paths concurrently and records the
// result.
func probeRound(ctx context.Context) {
	variants := []experiment.Variant{experiment.VariantA, experiment.VariantB}
	up := make([]bool, len(variants))

	group, groupCtx := errgroup.WithContext(ctx)

	for i, variant := range variants {
		group.Go(func() error {
			up[i] = probeOne(groupCtx, variant)

			return nil
		})
	}

	_ = group.Wait()

	previous := LastProbe()

	status := ProbeStatus{
		CheckedAt: time.Now(),
		Variants:  make(map[string]bool, len(variants)),
	}

	for i, variant := range variants {
		status.Variants[string(variant)] = up[i]
		metrics.Default.SetOriginUp(string(variant), up[i])

		// Log transitions only; steady state stays quiet.
		if previous.Variants == nil || previous.Variants[string(variant)] != up[i] {
			event := log.Warn()
			if up[i] {
				event = log.Info()
			}

			event.
				Str("variant", string(variant)).
				Str("path", variant.Location()).
				Bool("up", up[i]).
				Msg("Origin entry path availability changed")
		}
	}

	prober.mu.Lock()
	prober.status = status
	prober.mu.Unlock()
}

// probeOne fetches a variant's entry path. Any HTTP response below 500
// counts as up: a 4xx still proves the path is being served.
func probeOne(ctx context.Context, variant experiment.Variant) bool {
	base := config.Global.Origin.URL
	target := utils.ResolveTarget(&base, &url.URL{Path: variant.Location()})

	ctx, cancel := context.WithTimeout(ctx, config.Global.Origin.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return false
	}

	resp, err := utils.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode < http.StatusInternalServerError
}

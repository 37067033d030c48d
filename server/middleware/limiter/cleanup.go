// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package limiter

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	cleanupMu     sync.Mutex
	lastCleanupAt time.Time
)

// DoCleanup sweeps expired limiters at most once per CleanupInterval.
//
// Called on every request; the sweep itself runs off the request path.
func DoCleanup() {
	now := timeNow()

	if !shouldSweep(now) {
		return
	}

	go func() {
		cleanupExpiredLimiters()

		log.Info().Time("start", now).Dur("dur", time.Since(now)).Msg("limiter cleanup")
	}()
}

// shouldSweep advances the cleanup clock when a full interval has passed
// since the last sweep. The very first call only arms the clock.
func shouldSweep(now time.Time) bool {
	cleanupMu.Lock()
	defer cleanupMu.Unlock()

	if lastCleanupAt.IsZero() {
		lastCleanupAt = now

		return false
	}

	if now.Sub(lastCleanupAt) < CleanupInterval {
		return false
	}

	lastCleanupAt = now

	return true
}

// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package limiter

import (
	"sync"
	"testing"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"codeberg.org/edgesplit/edgesplit/config"
)

// packageStateMutex serializes tests that mutate package-level state: the
// bucket map, the timeNow hook, and the global config.
var packageStateMutex sync.Mutex

// testClock is a manually advanced replacement for the limiter's time source.
type testClock struct {
	now time.Time
}

// Now returns the clock's current reading.
func (c *testClock) Now() time.Time {
	return c.now
}

// Sleep advances the clock without actually waiting, so refill behavior can
// be tested instantly.
func (c *testClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
}

// setupLimiterTest locks the package state, installs a test clock as the
// limiter's time source, seeds the global config with limiter defaults, and
// empties the bucket map. Everything is undone through t.Cleanup.
//
// Call it exactly once per top-level test. It holds a package-wide mutex for
// the duration of the test, so calling it again from a subtest deadlocks.
func setupLimiterTest(t *testing.T) *testClock {
	t.Helper()

	packageStateMutex.Lock()

	savedConfig := config.Global
	savedTimeNow := timeNow

	config.Global.Limiter.Enabled = true
	config.Global.Limiter.IPv4Prefix = 24
	config.Global.Limiter.IPv6Prefix = 64
	config.Global.Limiter.PassIPs = []string{"127.0.0.1"}
	config.Global.Limiter.BlockIPs = []string{"10.0.0.1"}
	config.Global.Limiter.FilterLocal = false

	clock := &testClock{now: time.Now()}
	timeNow = clock.Now

	limiters = xsync.NewMap[string, *limiterWrapper]()

	t.Cleanup(func() {
		// Revert the time hook and drop the test's buckets before another
		// test can take the lock.
		timeNow = savedTimeNow
		limiters = xsync.NewMap[string, *limiterWrapper]()
		config.Global = savedConfig

		packageStateMutex.Unlock()
	})

	return clock
}

// setPassList replaces the configured pass list. Only valid while the lock
// taken by setupLimiterTest is held.
func setPassList(ips []string) {
	config.Global.Limiter.PassIPs = ips
}

// setBlockList replaces the configured block list. Only valid while the
// lock taken by setupLimiterTest is held.
func setBlockList(ips []string) {
	config.Global.Limiter.BlockIPs = ips
}

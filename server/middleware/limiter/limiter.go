// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

/*
This file holds the rate limiting state machine.

Every client resolves to an IP network (see ClientInfo) and each network
owns one token bucket, wrapped in a limiterWrapper. A network sits on one
of two tiers: regular or restricted. The tier is earned from the sliding
window of recent request outcomes kept in networkHistory; sustained bucket
exhaustion moves a network down, calm traffic moves it back up.

State survives restarts through Save and InitFile, which serialize the
wrappers to the configured state file.
*/
package limiter

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"codeberg.org/edgesplit/edgesplit/config"
)

// Tier parameters. The 40-point gap between RestrictThreshold and
// RelaxThreshold keeps a network from flapping between tiers.
const (
	RegularRate           = 2.0             // Tokens per second on the regular tier.
	RegularBurst          = 120             // Bucket capacity on the regular tier.
	RestrictedRate        = 0.1             // Tokens per second on the restricted tier.
	RestrictedBurst       = 90              // Bucket capacity on the restricted tier.
	LimiterExpiryDuration = time.Hour       // Idle time before a network's limiter is dropped.
	CleanupInterval       = 5 * time.Minute // How often expired limiters are swept.
	MaxNetworkHistory     = 60              // Request outcomes tracked per network.
	RestrictThreshold     = 0.6             // Exhaustion ratio that demotes a network.
	RelaxThreshold        = 0.2             // Exhaustion ratio that promotes a network back.
)

var (
	limiters = xsync.NewMap[string, *limiterWrapper]() // Live limiters, keyed by network.
	timeNow  = time.Now                                // Swapped out by tests to control the clock.
)

// networkHistory is a ring buffer of request outcomes for one network.
//
// An entry is true when the request found the token bucket empty. The fields
// are exported so the history survives a state save/load cycle.
type networkHistory struct {
	Statuses  []bool `json:"statuses"`  // true = bucket was exhausted for that request
	Index     int    `json:"index"`     // Next slot to write
	Count     int    `json:"count"`     // Entries recorded so far, up to the buffer size
	Exhausted int    `json:"exhausted"` // Running count of true entries
}

// limiterWrapper pairs a network's token bucket with the bookkeeping that
// decides its tier. All fields behind mu.
type limiterWrapper struct {
	limiter      *rate.Limiter
	network      string         // Network this bucket belongs to
	lastAccess   time.Time      // Drives idle expiry
	mu           sync.Mutex
	history      networkHistory // Window of recent request outcomes
	isRestricted bool           // Current tier
}

// serializableLimiter is the on-disk form of a limiterWrapper. The mutex is
// dropped and the rate.Limiter is reduced to its parameters.
type serializableLimiter struct {
	Network      string         `json:"network"`
	LastAccess   time.Time      `json:"last_access"`
	History      networkHistory `json:"history"`
	IsRestricted bool           `json:"is_restricted"`
	Rate         float64        `json:"rate"`
	Burst        int            `json:"burst"`
}

// snapshot copies the wrapper into its serializable form under its lock.
func (lw *limiterWrapper) snapshot() *serializableLimiter {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	return &serializableLimiter{
		Network:      lw.network,
		LastAccess:   lw.lastAccess,
		History:      lw.history,
		IsRestricted: lw.isRestricted,
		Rate:         float64(lw.limiter.Limit()),
		Burst:        lw.limiter.Burst(),
	}
}

// restore rebuilds a live wrapper from its serialized form. The zero-value
// mutex is ready to use.
func (sl *serializableLimiter) restore() *limiterWrapper {
	return &limiterWrapper{
		limiter:      rate.NewLimiter(rate.Limit(sl.Rate), sl.Burst),
		network:      sl.Network,
		lastAccess:   sl.LastAccess,
		isRestricted: sl.IsRestricted,
		history:      sl.History,
	}
}

// Save writes every live limiter to w as an indented JSON array.
func Save(w io.Writer) error {
	var state []*serializableLimiter

	limiters.Range(func(_ string, lw *limiterWrapper) bool {
		state = append(state, lw.snapshot())

		return true
	})

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(state); err != nil {
		log.Error().Err(err).Msg("Could not encode limiter state")

		return err
	}

	log.Info().Int("count", len(state)).Msg("Saved limiter state")

	return nil
}

// InitFile replaces the in-memory limiters with the state read from r.
//
// An empty reader is not an error; the map simply starts empty.
func InitFile(r io.Reader) error {
	var loaded []*serializableLimiter

	if err := json.NewDecoder(r).Decode(&loaded); err != nil {
		if errors.Is(err, io.EOF) {
			log.Info().Msg("Limiter state file is empty, nothing to restore")

			return nil
		}

		log.Error().Err(err).Msg("Could not decode limiter state")

		return err
	}

	// Replace rather than merge; stale in-memory entries would shadow the
	// loaded tiers.
	limiters = xsync.NewMap[string, *limiterWrapper]()

	for _, sl := range loaded {
		limiters.Store(sl.Network, sl.restore())
	}

	log.Info().Int("count", len(loaded)).Msg("Loaded limiter state")

	return nil
}

// Init loads persisted limiter state from the configured file. Any failure
// here means starting fresh, never refusing to start.
func Init() {
	path := config.Global.Limiter.StateFilepath

	log.Info().Msg("Limiter enabled, restoring saved state")

	file, err := os.Open(path) // #nosec:G304
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Expected on first run.
			log.Info().Str("file", path).
				Msg("No limiter state file yet, starting clean")
		} else {
			log.Warn().Err(err).Str("file", path).
				Msg("Could not open limiter state file, starting clean")
		}

		return
	}
	defer file.Close()

	if err := InitFile(file); err != nil {
		// Corrupt state file. InitFile already tolerates an empty one.
		log.Warn().Err(err).Str("file", path).
			Msg("Could not parse limiter state file, starting clean")
	}
}

// Fini persists limiter state on graceful shutdown. Failures are logged and
// swallowed; they must not stall the shutdown path.
func Fini() {
	path := config.Global.Limiter.StateFilepath

	log.Info().Str("file", path).Msg("Saving limiter state...")

	file, err := os.Create(path) // #nosec:G304
	if err != nil {
		log.Warn().Err(err).Str("file", path).
			Msg("Could not create limiter state file")

		return
	}
	defer file.Close()

	if err := Save(file); err != nil {
		log.Warn().Err(err).Str("file", path).
			Msg("Could not write limiter state")
	}
}

// checkRateLimit consumes one token from the network's bucket. It returns
// an empty string when the request may proceed, or the refusal reason.
func checkRateLimit(limiter *limiterWrapper, networkStr string) string {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	limiter.lastAccess = timeNow()

	if !limiter.limiter.Allow() {
		log.Warn().Str("network", networkStr).Msg("Bucket exhausted")

		return "Rate limit exceeded"
	}

	return ""
}

// getOrCreateLimiter returns the wrapper for the given network.
//
// An existing limiter is returned as-is; its tier is whatever the network's
// history has earned it. Fresh networks always start on the regular tier.
func getOrCreateLimiter(networkStr string) *limiterWrapper {
	if wrapper, found := loadLimiterFromMemory(networkStr); found {
		return wrapper
	}

	wrapper := newLimiterWrapper(RegularRate, RegularBurst, networkStr, false)
	limiters.Store(networkStr, wrapper)

	return wrapper
}

// loadLimiterFromMemory looks up the wrapper for a network, touching its
// last access time on a hit so it is not swept while in use.
func loadLimiterFromMemory(network string) (*limiterWrapper, bool) {
	wrapper, ok := limiters.Load(network)
	if !ok {
		return nil, false
	}

	wrapper.mu.Lock()
	wrapper.lastAccess = timeNow()
	wrapper.mu.Unlock()

	return wrapper, true
}

// newLimiterWrapper builds a wrapper with the given bucket parameters and an
// empty outcome history.
func newLimiterWrapper(rateLim float64, burstLim int, network string, isRestricted bool) *limiterWrapper {
	return &limiterWrapper{
		limiter:      rate.NewLimiter(rate.Limit(rateLim), burstLim),
		network:      network,
		lastAccess:   timeNow(),
		isRestricted: isRestricted,
		history: networkHistory{
			Statuses: make([]bool, MaxNetworkHistory),
		},
	}
}

// updateNetworkHistory folds one request outcome into the network's window
// and moves the limiter between tiers when the window crosses a threshold.
func updateNetworkHistory(limiter *limiterWrapper, networkStr string, exhausted bool) {
	if limiter == nil {
		return
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	addToHistory(&limiter.history, exhausted)

	relax, restrict := evaluateLimiterChange(limiter.history)

	switch {
	case relax && limiter.isRestricted:
		limiter.limiter.SetLimit(rate.Limit(RegularRate))
		limiter.limiter.SetBurst(RegularBurst)
		limiter.isRestricted = false

		log.Info().
			Str("network", networkStr).
			Msg("Relaxed rate limiter for network")

	case restrict && !limiter.isRestricted:
		limiter.limiter.SetLimit(rate.Limit(RestrictedRate))
		limiter.limiter.SetBurst(RestrictedBurst)
		limiter.isRestricted = true

		log.Warn().
			Str("network", networkStr).
			Msg("Restricted rate limiter for network")
	}
}

// addToHistory records one request outcome in the ring buffer.
func addToHistory(history *networkHistory, exhausted bool) {
	if history.Statuses == nil {
		history.Statuses = make([]bool, MaxNetworkHistory)
	}

	// Either the buffer is still filling, or the slot about to be
	// overwritten drops out of the running total.
	if history.Count < MaxNetworkHistory {
		history.Count++
	} else if history.Statuses[history.Index] {
		history.Exhausted--
	}

	history.Statuses[history.Index] = exhausted
	if exhausted {
		history.Exhausted++
	}

	history.Index = (history.Index + 1) % MaxNetworkHistory
}

// evaluateLimiterChange reads the exhaustion ratio out of a full window.
// While the window is still filling both results stay false and the limiter
// keeps its current tier.
func evaluateLimiterChange(history networkHistory) (relax, restrict bool) {
	if history.Count < MaxNetworkHistory {
		return false, false
	}

	ratio := float64(history.Exhausted) / float64(history.Count)

	return ratio <= RelaxThreshold, ratio >= RestrictThreshold
}

// cleanupExpiredLimiters drops limiters that have sat idle past the expiry
// duration. Keys are collected first; deleting during Range is undefined.
func cleanupExpiredLimiters() {
	now := timeNow()

	var expired []string

	limiters.Range(func(key string, wrapper *limiterWrapper) bool {
		wrapper.mu.Lock()
		idle := now.Sub(wrapper.lastAccess)
		wrapper.mu.Unlock()

		if idle > LimiterExpiryDuration {
			expired = append(expired, key)
		}

		return true
	})

	for _, key := range expired {
		limiters.Delete(key)
	}

	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).
			Msg("Swept expired limiters")
	}
}

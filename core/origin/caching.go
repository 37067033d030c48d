// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package origin

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/xxh3"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/core/metrics"
	"codeberg.org/edgesplit/edgesplit/core/origin/lrucache"
	"codeberg.org/edgesplit/edgesplit/core/untrusted"
)

var cache *lrucache.LRUCache

// cachedItem is one stored origin response plus the moment it stops being
// servable.
type cachedItem struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	ExpiresAt  time.Time
}

// cachePolicy is the per-request caching decision.
type cachePolicy struct {
	// shouldStore permits storing the origin response fetched for this
	// request.
	shouldStore bool

	// cacheKey addresses the entry for both reads and writes.
	cacheKey string

	// cachedItem carries a fresh stored response, nil on a miss.
	cachedItem *cachedItem
}

// Setup initializes the shared response cache sized per the Cache
// configuration section. With caching disabled the cache stays nil and
// every policy check short-circuits.
func Setup() {
	if !config.Global.Cache.Enabled {
		log.Info().Msg("Response cache disabled")

		return
	}

	var err error

	cache, err = lrucache.NewLRUCache(config.Global.Cache.Size, true)
	if err != nil {
		panic(fmt.Sprintf("response cache setup: %v", err))
	}

	log.Info().
		Int("size", config.Global.Cache.Size).
		Dur("ttl", config.Global.Cache.TTL).
		Msg("Initialized origin response cache")
}

// generateCacheKey scopes cached responses to the method, the full request
// target, and the variant assignment.
//
// Keying on the variant keeps the two arms of the split from ever sharing an
// entry: the origin may serve different content for the same path depending
// on the assignment cookie it receives.
func generateCacheKey(method, requestURI, variant string) string {
	sum := xxh3.HashString(method + "|" + requestURI + "|" + variant)

	return strconv.FormatUint(sum, 16)
}

// determineCachePolicy decides how the cache participates in one request:
// a hit hands back the stored response, a miss says whether the response
// about to be fetched may be stored.
func determineCachePolicy(r *http.Request, variant string) cachePolicy {
	if !config.Global.Cache.Enabled || cache == nil {
		return cachePolicy{}
	}

	// Only idempotent reads are cached.
	if r.Method != http.MethodGet {
		metrics.Default.CountCacheEvent("bypass")

		return cachePolicy{}
	}

	// Foreign cookies usually mean per-user origin state; never serve those
	// viewers from the shared cache.
	if untrusted.HasForeignCookies(r) {
		metrics.Default.CountCacheEvent("bypass")

		return cachePolicy{}
	}

	// A viewer-sent no-cache skips the read and the write both.
	lowerCacheControl := strings.ToLower(r.Header.Get("Cache-Control"))
	if strings.Contains(lowerCacheControl, "no-cache") {
		metrics.Default.CountCacheEvent("bypass")

		return cachePolicy{}
	}

	cacheKey := generateCacheKey(r.Method, r.URL.RequestURI(), variant)

	if item := lookupFresh(cacheKey); item != nil {
		metrics.Default.CountCacheEvent("hit")

		return cachePolicy{
			shouldStore: false,
			cacheKey:    cacheKey,
			cachedItem:  item,
		}
	}

	metrics.Default.CountCacheEvent("miss")

	// Nothing servable under this key. A no-store directive from the viewer
	// also forbids storing the response we are about to fetch.
	return cachePolicy{
		shouldStore: !strings.Contains(lowerCacheControl, "no-store"),
		cacheKey:    cacheKey,
	}
}

// lookupFresh returns the entry stored under key when it decodes cleanly
// and has not expired. Undecodable and stale entries are dropped on sight.
func lookupFresh(key string) *cachedItem {
	cachedBytes, found := cache.Get(key)
	if !found {
		return nil
	}

	var item cachedItem
	if err := gob.NewDecoder(bytes.NewReader(cachedBytes)).Decode(&item); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Could not decode cached entry, removing it")
		cache.Remove(key)

		return nil
	}

	if !time.Now().Before(item.ExpiresAt) {
		metrics.Default.CountCacheEvent("expired")
		cache.Remove(key)

		return nil
	}

	return &item
}

// storeResponse stores an origin response under the policy's key when the
// policy, the response status, the origin's own Cache-Control, and the body
// size all allow it.
func storeResponse(policy cachePolicy, resp *http.Response, body []byte) {
	if !policy.shouldStore || resp.StatusCode != http.StatusOK {
		return
	}

	if len(body) > config.Global.Cache.MaxBodySize {
		return
	}

	// The origin can veto caching for a response it considers private or
	// uncacheable.
	originCacheControl := strings.ToLower(resp.Header.Get("Cache-Control"))
	for _, directive := range []string{"no-store", "no-cache", "private"} {
		if strings.Contains(originCacheControl, directive) {
			return
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cachedItem{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		ExpiresAt:  time.Now().Add(config.Global.Cache.TTL),
	}); err != nil {
		// Serialization trouble never fails the request.
		log.Warn().Err(err).Msg("Could not serialize response for the cache")

		return
	}

	if evicted := cache.Add(policy.cacheKey, buf.Bytes()); evicted {
		metrics.Default.CountCacheEvent("evicted")
	}

	metrics.Default.CountCacheEvent("store")
}

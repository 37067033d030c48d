// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

/*
Package lrucache provides a thread-safe, fixed-capacity least-recently-used (LRU)
cache for byte payloads. Keys are strings. The cache evicts the least recently
used entry when it reaches capacity. When created with compression enabled via
[NewLRUCache], values may be stored in compressed form and are transparently
decompressed by [LRUCache.Get] and [LRUCache.Peek].
*/
package lrucache

import (
	"container/list"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrInvalidSize is returned by [NewLRUCache] for a non-positive capacity.
var ErrInvalidSize = errors.New("cache size must be positive")

// LRUCache is a fixed-capacity, least-recently-used cache that is safe for
// concurrent use. Instances must be constructed with [NewLRUCache]; the zero
// value is not ready for use.
type LRUCache struct {
	size            int                      // Entry capacity; an insert beyond it evicts
	evictList       *list.List               // Recency order, most recent at the front
	items           map[string]*list.Element // Key to list element lookup
	lock            sync.RWMutex             // Guards the list and the map
	compressEnabled bool                     // Store values zstd-compressed when smaller
	zstdEnc         *zstd.Encoder            // Block-mode encoder, nil when compression is off
	zstdDec         *zstd.Decoder            // Block-mode decoder, nil when compression is off
}

// cacheEntry is the payload stored in each list element.
type cacheEntry struct {
	key        string
	value      []byte
	compressed bool
}

// NewLRUCache returns an empty cache holding at most size entries. Size must
// be positive.
//
// If compress is true, values are stored in a compressed form when this
// reduces space and are transparently decompressed by [LRUCache.Get] and
// [LRUCache.Peek].
func NewLRUCache(size int, compress bool) (*LRUCache, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	c := &LRUCache{
		size:            size,
		evictList:       list.New(),
		items:           make(map[string]*list.Element),
		compressEnabled: compress,
	}

	if compress {
		// Nil writer/reader: the cache only uses the stateless
		// EncodeAll/DecodeAll block forms, never the streaming API.
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}

		decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			return nil, err
		}

		c.zstdEnc = encoder
		c.zstdDec = decoder
	}

	return c, nil
}

// Add adds or updates the value for key, making it the most recently used
// entry either way. Add reports whether the insert evicted the least
// recently used entry to stay within capacity.
func (c *LRUCache) Add(key string, value []byte) bool {
	// Compression is the expensive part; do it before taking the lock.
	storedVal, compressed := c.prepareValue(value)

	c.lock.Lock()
	defer c.lock.Unlock()

	if existing, ok := c.items[key]; ok {
		c.evictList.MoveToFront(existing)

		entry := existing.Value.(*cacheEntry)
		entry.value = storedVal
		entry.compressed = compressed

		return false
	}

	entry := &cacheEntry{key: key, value: storedVal, compressed: compressed}
	c.items[key] = c.evictList.PushFront(entry)

	if c.evictList.Len() > c.size {
		c.evictOldest()

		return true
	}

	return false
}

// Get returns a copy of the value stored under key and promotes the entry to
// most recently used. The second result reports whether the key was found.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	stored, compressed, ok := c.lookup(key, true)
	if !ok {
		return nil, false
	}

	return c.expandValue(stored, compressed)
}

// Peek is Get without the promotion; the eviction order stays untouched.
// The returned copy is safe for the caller to mutate.
func (c *LRUCache) Peek(key string) ([]byte, bool) {
	stored, compressed, ok := c.lookup(key, false)
	if !ok {
		return nil, false
	}

	return c.expandValue(stored, compressed)
}

// lookup reads the stored bytes for key, promoting the entry to most recently
// used when promote is set. Decompression happens outside the lock, so only
// the entry's fields are copied out here.
func (c *LRUCache) lookup(key string, promote bool) (stored []byte, compressed, ok bool) {
	if promote {
		// Promotion mutates the eviction order, which needs the write lock.
		c.lock.Lock()
		defer c.lock.Unlock()
	} else {
		c.lock.RLock()
		defer c.lock.RUnlock()
	}

	elem, found := c.items[key]
	if !found {
		return nil, false, false
	}

	if promote {
		c.evictList.MoveToFront(elem)
	}

	entry := elem.Value.(*cacheEntry)

	return entry.value, entry.compressed, true
}

// Remove drops key's entry, reporting whether it was present.
func (c *LRUCache) Remove(key string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}

	c.unlink(elem)

	return true
}

// Keys lists the cached keys in eviction order, oldest first.
func (c *LRUCache) Keys() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	keys := make([]string, 0, len(c.items))

	// Walk from the back, where the oldest entry lives.
	for elem := c.evictList.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(*cacheEntry).key)
	}

	return keys
}

// Len reports how many entries the cache currently holds.
func (c *LRUCache) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.evictList.Len()
}

// evictOldest drops the entry at the back of the eviction list.
func (c *LRUCache) evictOldest() {
	if elem := c.evictList.Back(); elem != nil {
		c.unlink(elem)
	}
}

// unlink detaches e from both the eviction list and the key map.
func (c *LRUCache) unlink(e *list.Element) {
	c.evictList.Remove(e)
	delete(c.items, e.Value.(*cacheEntry).key)
}

// prepareValue decides how value is stored. With compression enabled the
// compressed form is kept only when it is actually smaller; otherwise a copy
// of the original bytes is stored so later mutation by the caller cannot
// reach the cache.
//
// Safe to call without the lock: zstd encoders support concurrent EncodeAll.
func (c *LRUCache) prepareValue(value []byte) (stored []byte, compressed bool) {
	if len(value) == 0 {
		return value, false
	}

	if c.compressEnabled {
		compressedBytes := c.zstdEnc.EncodeAll(value, nil)
		if len(compressedBytes) < len(value) {
			return compressedBytes, true
		}
	}

	copied := make([]byte, len(value))
	copy(copied, value)

	return copied, false
}

// expandValue recovers the caller-facing bytes from their stored form. The
// result is always safe for the caller to mutate. A failed decompression
// (corrupt entry, missing decoder) reports the value as unavailable.
//
// Safe to call without the lock: it touches no cache state.
func (c *LRUCache) expandValue(stored []byte, compressed bool) ([]byte, bool) {
	if !compressed {
		if stored == nil {
			return nil, true
		}

		copied := make([]byte, len(stored))
		copy(copied, stored)

		return copied, true
	}

	if c.zstdDec == nil {
		return nil, false
	}

	decoded, err := c.zstdDec.DecodeAll(stored, nil)
	if err != nil {
		return nil, false
	}

	return decoded, true
}

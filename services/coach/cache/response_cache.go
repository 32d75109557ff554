// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the in-process response cache for the coach
// service.
//
// # Description
//
// The cache stores fully generated chat responses keyed by a hash of the
// normalized query plus a coarse user-context fingerprint (see key.go).
// Entries carry a TTL and are bounded by both entry count and byte size
// with LRU eviction. Concurrent misses for the same key are coalesced
// via singleflight so at most one generation runs per key at a time.
//
// Values are serialized to canonical JSON at Set time. A value that
// fails to serialize is never silently dropped: Set returns a
// *SerializationError and nothing is written.
//
// # Thread Safety
//
// ResponseCache is safe for concurrent use.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"golang.org/x/sync/singleflight"
)

// CachedResponse is the value stored per cache entry.
type CachedResponse struct {
	ResponseText string                 `json:"response_text"`
	Sources      []datatypes.SourceInfo `json:"sources"`
	Model        string                 `json:"model,omitempty"`
	TokensUsed   int                    `json:"tokens_used"`
	CreatedAt    int64                  `json:"created_at"`
}

// SerializationError indicates a response could not be serialized for
// caching. This is always surfaced to the caller; a cache write never
// fails silently.
type SerializationError struct {
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cache serialization failed for key %s: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ComputeFunc generates a response on a cache miss.
type ComputeFunc func(ctx context.Context) (*CachedResponse, error)

// Options configures a ResponseCache.
type Options struct {
	// TTL is the entry lifetime. Zero disables expiry.
	TTL time.Duration

	// MaxEntries bounds the number of entries. Zero means unbounded.
	MaxEntries int

	// MaxBytes bounds the total serialized size. Zero means unbounded.
	MaxBytes int64
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		TTL:        2 * time.Hour,
		MaxEntries: 10000,
		MaxBytes:   64 * 1024 * 1024,
	}
}

// Option mutates Options.
type Option func(*Options)

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

// WithMaxEntries sets the entry count bound.
func WithMaxEntries(n int) Option {
	return func(o *Options) { o.MaxEntries = n }
}

// WithMaxBytes sets the total size bound.
func WithMaxBytes(n int64) Option {
	return func(o *Options) { o.MaxBytes = n }
}

type cacheEntry struct {
	key        string
	payload    []byte
	sources    []string // source names cited, for invalidation
	storedAt   time.Time
	lruElement *list.Element
}

func (e *cacheEntry) sizeBytes() int64 {
	return int64(len(e.key) + len(e.payload))
}

// ResponseCache is a TTL + LRU bounded response cache with request
// coalescing.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	lru     *list.List
	flight  singleflight.Group
	options Options

	sizeBytes int64

	// Stats
	hits          int64
	misses        int64
	evictions     int64
	expirations   int64
	invalidations int64
}

// NewResponseCache creates a ResponseCache with the given options.
func NewResponseCache(opts ...Option) *ResponseCache {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &ResponseCache{
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		options: options,
	}
}

// Get retrieves a cached response by key.
//
// Returns a fresh copy decoded from the stored payload, so callers may
// mutate the result freely. Expired entries are removed and reported as
// misses.
func (c *ResponseCache) Get(key string) (*CachedResponse, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.RUnlock()
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if c.isExpired(entry) {
		c.mu.RUnlock()
		c.removeExpired(key)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	payload := entry.payload
	c.mu.RUnlock()

	c.updateLRU(entry)

	var resp CachedResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		// Stored payload was produced by Marshal; this should not happen.
		c.Invalidate(key)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	return &resp, true
}

// Set stores a response under key.
//
// The response is serialized immediately; a serialization failure
// returns *SerializationError and writes nothing. Oversized values
// (larger than the whole cache budget) are rejected the same way via a
// wrapped error, since they could never be admitted.
func (c *ResponseCache) Set(key string, resp *CachedResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return &SerializationError{Key: key, Err: err}
	}
	if c.options.MaxBytes > 0 && int64(len(payload)+len(key)) > c.options.MaxBytes {
		return &SerializationError{
			Key: key,
			Err: fmt.Errorf("serialized size %d exceeds cache capacity %d", len(payload), c.options.MaxBytes),
		}
	}

	sources := make([]string, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		sources = append(sources, s.Source)
	}

	entry := &cacheEntry{
		key:      key,
		payload:  payload,
		sources:  sources,
		storedAt: time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.removeEntryLocked(key, existing)
	}
	c.evictIfNeededLocked(entry.sizeBytes())
	entry.lruElement = c.lru.PushFront(key)
	c.entries[key] = entry
	c.sizeBytes += entry.sizeBytes()
	return nil
}

// GetOrCompute returns the cached response for key, computing and
// caching it on a miss.
//
// Concurrent callers for the same key share one compute: exactly one
// runs, the rest block and receive the same result. The second return
// value is true when the response came from the cache or from a
// coalesced in-flight compute rather than a compute owned by this call.
//
// Compute errors are returned to all waiters and never cached. A
// serialization failure on the write path is returned as an error even
// though the response itself was generated, per the fail-loud contract.
func (c *ResponseCache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (*CachedResponse, bool, error) {
	if resp, ok := c.Get(key); ok {
		return resp, true, nil
	}

	result, err, shared := c.flight.Do(key, func() (interface{}, error) {
		// Double-check: another goroutine may have filled the entry
		// between our miss and acquiring the flight slot.
		if resp, ok := c.Get(key); ok {
			return resp, nil
		}
		resp, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(key, resp); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	return result.(*CachedResponse), shared, nil
}

// Invalidate removes a single entry.
func (c *ResponseCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.removeEntryLocked(key, entry)
		atomic.AddInt64(&c.invalidations, 1)
	}
}

// InvalidateSource drops every entry whose response cites the given
// source. Called when a document ingestion signal arrives so stale
// answers grounded on replaced content are not served.
//
// Returns the number of entries removed.
func (c *ResponseCache) InvalidateSource(source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		for _, s := range entry.sources {
			if s == source {
				c.removeEntryLocked(key, entry)
				removed++
				break
			}
		}
	}
	atomic.AddInt64(&c.invalidations, int64(removed))
	return removed
}

// Clear removes all entries.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.lru.Init()
	c.sizeBytes = 0
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries       int   `json:"entries"`
	SizeBytes     int64 `json:"size_bytes"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Expirations   int64 `json:"expirations"`
	Invalidations int64 `json:"invalidations"`
}

// Stats returns current cache statistics.
func (c *ResponseCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:       len(c.entries),
		SizeBytes:     c.sizeBytes,
		Hits:          atomic.LoadInt64(&c.hits),
		Misses:        atomic.LoadInt64(&c.misses),
		Evictions:     atomic.LoadInt64(&c.evictions),
		Expirations:   atomic.LoadInt64(&c.expirations),
		Invalidations: atomic.LoadInt64(&c.invalidations),
	}
}

// isExpired checks if an entry has exceeded its TTL.
func (c *ResponseCache) isExpired(entry *cacheEntry) bool {
	if c.options.TTL == 0 {
		return false
	}
	return time.Since(entry.storedAt) > c.options.TTL
}

// updateLRU moves an entry to the front of the LRU list.
func (c *ResponseCache) updateLRU(entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.lruElement != nil {
		c.lru.MoveToFront(entry.lruElement)
	}
}

// removeExpired removes an expired entry.
func (c *ResponseCache) removeExpired(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || !c.isExpired(entry) {
		return
	}
	c.removeEntryLocked(key, entry)
	atomic.AddInt64(&c.expirations, 1)
}

// removeEntryLocked removes an entry (must hold write lock).
func (c *ResponseCache) removeEntryLocked(key string, entry *cacheEntry) {
	if entry.lruElement != nil {
		c.lru.Remove(entry.lruElement)
	}
	delete(c.entries, key)
	c.sizeBytes -= entry.sizeBytes()
}

// evictIfNeededLocked evicts LRU entries until the incoming entry fits
// within both the count and byte bounds. Caller must hold the write lock.
func (c *ResponseCache) evictIfNeededLocked(incomingBytes int64) {
	if c.options.MaxEntries > 0 {
		for len(c.entries) >= c.options.MaxEntries {
			if !c.evictLRUEntryLocked() {
				break
			}
		}
	}
	if c.options.MaxBytes > 0 {
		for c.sizeBytes+incomingBytes > c.options.MaxBytes {
			if !c.evictLRUEntryLocked() {
				break
			}
		}
	}
}

// evictLRUEntryLocked evicts the least recently used entry. Returns
// false when the cache is empty. Caller must hold the write lock.
func (c *ResponseCache) evictLRUEntryLocked() bool {
	back := c.lru.Back()
	if back == nil {
		return false
	}
	key := back.Value.(string)
	if entry, ok := c.entries[key]; ok {
		c.removeEntryLocked(key, entry)
		atomic.AddInt64(&c.evictions, 1)
		return true
	}
	c.lru.Remove(back)
	return false
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
)

func testResponse(text, source string) *CachedResponse {
	return &CachedResponse{
		ResponseText: text,
		Sources: []datatypes.SourceInfo{
			{DocumentID: "doc-1", Source: source, ChunkIndex: 0, Score: 0.91},
		},
		TokensUsed: 42,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

func TestResponseCache_SetGet(t *testing.T) {
	t.Parallel()
	c := NewResponseCache()

	key := Key("What is an ETF?", "moderate")
	if err := c.Set(key, testResponse("An ETF is...", "investing_basics.md")); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("Get should hit after Set")
	}
	if got.ResponseText != "An ETF is..." {
		t.Errorf("Unexpected response text: %s", got.ResponseText)
	}
	if len(got.Sources) != 1 || got.Sources[0].Source != "investing_basics.md" {
		t.Errorf("Sources not round-tripped: %+v", got.Sources)
	}

	// Returned value is a copy; mutating it must not affect the cache.
	got.ResponseText = "mutated"
	again, _ := c.Get(key)
	if again.ResponseText != "An ETF is..." {
		t.Error("Cached value was mutated through a Get result")
	}
}

func TestResponseCache_MissOnUnknownKey(t *testing.T) {
	t.Parallel()
	c := NewResponseCache()
	if _, ok := c.Get("nope"); ok {
		t.Fatal("Get should miss on unknown key")
	}
	if stats := c.Stats(); stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
}

func TestResponseCache_TTLExpiry(t *testing.T) {
	t.Parallel()
	c := NewResponseCache(WithTTL(20 * time.Millisecond))

	key := Key("budgeting tips", "conservative")
	if err := c.Set(key, testResponse("Track spending.", "budgeting.md")); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if _, ok := c.Get(key); !ok {
		t.Fatal("Entry should be live before TTL")
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok := c.Get(key); ok {
		t.Fatal("Entry should have expired")
	}
	if stats := c.Stats(); stats.Expirations != 1 {
		t.Errorf("Expected 1 expiration, got %d", stats.Expirations)
	}
}

func TestResponseCache_LRUEviction(t *testing.T) {
	t.Parallel()
	c := NewResponseCache(WithMaxEntries(3))

	keys := make([]string, 4)
	for i := 0; i < 4; i++ {
		keys[i] = Key(fmt.Sprintf("question %d", i), "moderate")
	}
	for i := 0; i < 3; i++ {
		if err := c.Set(keys[i], testResponse(fmt.Sprintf("answer %d", i), "kb.md")); err != nil {
			t.Fatalf("Set returned error: %v", err)
		}
	}

	// Touch key 0 so key 1 becomes LRU.
	if _, ok := c.Get(keys[0]); !ok {
		t.Fatal("key 0 should be cached")
	}

	if err := c.Set(keys[3], testResponse("answer 3", "kb.md")); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	if _, ok := c.Get(keys[1]); ok {
		t.Error("LRU entry (key 1) should have been evicted")
	}
	for _, i := range []int{0, 2, 3} {
		if _, ok := c.Get(keys[i]); !ok {
			t.Errorf("key %d should still be cached", i)
		}
	}
	if stats := c.Stats(); stats.Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestResponseCache_ByteBoundEviction(t *testing.T) {
	t.Parallel()
	// Each entry is a few hundred bytes; a 1KB bound forces eviction
	// after a couple of writes.
	c := NewResponseCache(WithMaxBytes(1024))

	for i := 0; i < 10; i++ {
		key := Key(fmt.Sprintf("q%d", i), "aggressive")
		if err := c.Set(key, testResponse("some moderately long answer text for sizing", "kb.md")); err != nil {
			t.Fatalf("Set returned error: %v", err)
		}
	}

	stats := c.Stats()
	if stats.SizeBytes > 1024 {
		t.Errorf("Size %d exceeds bound", stats.SizeBytes)
	}
	if stats.Evictions == 0 {
		t.Error("Expected evictions under byte pressure")
	}
}

func TestResponseCache_SerializationFailureIsLoud(t *testing.T) {
	t.Parallel()
	c := NewResponseCache(WithMaxBytes(64))

	// An entry larger than the whole cache can never be admitted and
	// must be rejected loudly rather than dropped silently.
	err := c.Set("k", testResponse("this response body does not fit in a 64 byte cache at all", "kb.md"))
	if err == nil {
		t.Fatal("Set should fail for an inadmissible entry")
	}
	var serErr *SerializationError
	if !errors.As(err, &serErr) {
		t.Fatalf("Expected *SerializationError, got %T: %v", err, err)
	}
	if _, ok := c.Get("k"); ok {
		t.Error("Nothing should have been written")
	}
}

func TestResponseCache_GetOrCompute_Coalesces(t *testing.T) {
	t.Parallel()
	c := NewResponseCache()

	key := Key("what is dollar cost averaging", "moderate")
	var computeCount int64
	started := make(chan struct{})
	release := make(chan struct{})

	compute := func(ctx context.Context) (*CachedResponse, error) {
		atomic.AddInt64(&computeCount, 1)
		close(started)
		<-release
		return testResponse("DCA is...", "investing_basics.md"), nil
	}

	var wg sync.WaitGroup
	results := make([]*CachedResponse, 5)
	errs := make([]error, 5)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, errs[0] = c.GetOrCompute(context.Background(), key, compute)
	}()
	<-started

	for i := 1; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), key, func(ctx context.Context) (*CachedResponse, error) {
				atomic.AddInt64(&computeCount, 1)
				return testResponse("should not run", "x"), nil
			})
		}(i)
	}
	// Give the waiters time to join the flight before releasing.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt64(&computeCount); n != 1 {
		t.Fatalf("Expected exactly 1 compute, got %d", n)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("waiter %d got error: %v", i, errs[i])
		}
		if results[i].ResponseText != "DCA is..." {
			t.Errorf("waiter %d got wrong result: %s", i, results[i].ResponseText)
		}
	}
}

func TestResponseCache_GetOrCompute_ErrorsNotCached(t *testing.T) {
	t.Parallel()
	c := NewResponseCache()

	key := Key("flaky question", "moderate")
	boom := errors.New("llm down")
	calls := 0

	_, _, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) (*CachedResponse, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected compute error, got: %v", err)
	}

	// A later call must compute again: failures are never cached.
	resp, fromCache, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) (*CachedResponse, error) {
		calls++
		return testResponse("recovered", "kb.md"), nil
	})
	if err != nil {
		t.Fatalf("Second compute failed: %v", err)
	}
	if fromCache {
		t.Error("Second call should not report a cache hit")
	}
	if resp.ResponseText != "recovered" || calls != 2 {
		t.Errorf("Unexpected state: resp=%q calls=%d", resp.ResponseText, calls)
	}
}

func TestResponseCache_GetOrCompute_HitSkipsCompute(t *testing.T) {
	t.Parallel()
	c := NewResponseCache()

	key := Key("what is a roth ira", "conservative")
	if err := c.Set(key, testResponse("A Roth IRA is...", "retirement.md")); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	resp, fromCache, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) (*CachedResponse, error) {
		t.Fatal("compute should not run on a hit")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute returned error: %v", err)
	}
	if !fromCache {
		t.Error("Expected fromCache=true on a hit")
	}
	if resp.ResponseText != "A Roth IRA is..." {
		t.Errorf("Unexpected response: %s", resp.ResponseText)
	}
}

func TestResponseCache_InvalidateSource(t *testing.T) {
	t.Parallel()
	c := NewResponseCache()

	k1 := Key("q1", "moderate")
	k2 := Key("q2", "moderate")
	k3 := Key("q3", "moderate")
	_ = c.Set(k1, testResponse("a1", "retirement.md"))
	_ = c.Set(k2, testResponse("a2", "budgeting.md"))
	_ = c.Set(k3, testResponse("a3", "retirement.md"))

	removed := c.InvalidateSource("retirement.md")
	if removed != 2 {
		t.Fatalf("Expected 2 removals, got %d", removed)
	}
	if _, ok := c.Get(k1); ok {
		t.Error("k1 should have been invalidated")
	}
	if _, ok := c.Get(k3); ok {
		t.Error("k3 should have been invalidated")
	}
	if _, ok := c.Get(k2); !ok {
		t.Error("k2 cites a different source and should survive")
	}
}

func TestResponseCache_Clear(t *testing.T) {
	t.Parallel()
	c := NewResponseCache()
	_ = c.Set(Key("q", "moderate"), testResponse("a", "kb.md"))
	c.Clear()
	stats := c.Stats()
	if stats.Entries != 0 || stats.SizeBytes != 0 {
		t.Errorf("Clear left state behind: %+v", stats)
	}
}

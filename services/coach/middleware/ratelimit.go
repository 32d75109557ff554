// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/WealthCoach/services/coach/observability"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Default chat rate limit: sustained requests per minute and the burst
// allowed above it.
const (
	DefaultRequestsPerMinute = 20
	DefaultBurst             = 5
)

// RateLimiter enforces a per-user token bucket on chat endpoints.
//
// # Description
//
// Limiters are keyed by authenticated user id, falling back to client
// IP for unauthenticated requests. The check happens before any chat
// work so a rejected request costs nothing downstream. Idle limiters
// are dropped after an hour so the map does not grow without bound.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter

	perMinute int
	burst     int

	stopReaper chan struct{}
	stopOnce   sync.Once
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter with the given sustained rate and
// burst. Non-positive values mean the defaults.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	rl := &RateLimiter{
		limiters:   make(map[string]*userLimiter),
		perMinute:  perMinute,
		burst:      burst,
		stopReaper: make(chan struct{}),
	}
	go rl.reapLoop()
	return rl
}

// Close stops the background reaper. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stopReaper) })
}

// Allow reports whether the user may proceed.
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[userID]
	if !ok {
		entry = &userLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.burst),
		}
		rl.limiters[userID] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// reapLoop drops limiters idle for over an hour until Close is called.
func (rl *RateLimiter) reapLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopReaper:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			rl.mu.Lock()
			for key, entry := range rl.limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware returns the Gin middleware enforcing this limiter. Must
// run after AuthMiddleware so the user id is available.
func (rl *RateLimiter) Middleware(endpoint observability.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if !rl.Allow(userID) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordRateLimitRejection(endpoint)
			}
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", rl.perMinute))
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/WealthCoach/pkg/extensions"
	"github.com/AleutianAI/WealthCoach/services/coach/observability"
	"github.com/gin-gonic/gin"
)

func TestRateLimiter_AllowWithinBurst(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(60, 3)
	t.Cleanup(rl.Close)

	for i := 0; i < 3; i++ {
		if !rl.Allow("user-1") {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	if rl.Allow("user-1") {
		t.Error("request beyond burst should be rejected")
	}
}

func TestRateLimiter_UsersIsolated(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(60, 1)
	t.Cleanup(rl.Close)

	if !rl.Allow("user-a") {
		t.Fatal("first request for user-a rejected")
	}
	if rl.Allow("user-a") {
		t.Error("second request for user-a should be rejected")
	}
	if !rl.Allow("user-b") {
		t.Error("user-b should have an independent bucket")
	}
}

func TestRateLimitMiddleware_RejectsWith429(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(60, 1)
	t.Cleanup(rl.Close)

	router := gin.New()
	router.POST("/chat",
		AuthMiddleware(&extensions.NopAuthProvider{}),
		rl.Middleware(observability.EndpointMessage),
		func(c *gin.Context) { c.Status(http.StatusOK) },
	)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/chat", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/chat", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if second.Header().Get("X-RateLimit-Limit") != "60" {
		t.Errorf("X-RateLimit-Limit = %q", second.Header().Get("X-RateLimit-Limit"))
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", second.Header().Get("Retry-After"))
	}
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(0, 0)
	t.Cleanup(rl.Close)
	if rl.perMinute != DefaultRequestsPerMinute {
		t.Errorf("perMinute = %d, want %d", rl.perMinute, DefaultRequestsPerMinute)
	}
	if rl.burst != DefaultBurst {
		t.Errorf("burst = %d, want %d", rl.burst, DefaultBurst)
	}
}

func TestRateLimiter_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(60, 1)
	rl.Close()
	rl.Close()

	// The limiter keeps answering after the reaper is stopped.
	if !rl.Allow("user-after-close") {
		t.Error("Allow() after Close should still pass within burst")
	}
}

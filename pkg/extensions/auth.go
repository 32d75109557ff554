// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable integration points of the
// coach service. Open source builds ship permissive no-op defaults;
// deployments swap in real implementations without touching the
// pipeline.
package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized is returned when authentication fails. Providers
// should wrap this error with additional context.
//
// Example:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//
// Optional fields (may be empty):
//   - Email: User's email address
//   - Roles: List of roles the user belongs to
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// This is the only required field and must never be empty.
	UserID string

	// Email is the user's email address.
	// May be empty if not provided by the auth provider.
	Email string

	// Roles contains the user's role memberships.
	// Common roles: "admin", "coach", "member"
	Roles []string
}

// HasRole checks if the user has a specific role.
//
//	if !authInfo.HasRole("admin") {
//	    return ErrUnauthorized
//	}
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user
// identity.
//
// Implementations must be safe for concurrent use by multiple
// goroutines.
//
// # Open Source Behavior
//
// The default NopAuthProvider always returns a valid "local-user" with
// admin privileges. This allows the service to run without any
// authentication infrastructure, for local development and tests.
//
// # Production Implementation
//
// Deployments point HTTPAuthProvider at the identity service, or
// implement this interface directly against providers like Okta or
// Auth0.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's
	// identity.
	//
	// Returns:
	//   - *AuthInfo: User identity information if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors
	//     for infrastructure failures
	//
	// The token format is implementation-specific:
	//   - JWT: "eyJhbGciOiJSUzI1NiIs..."
	//   - API Key: "ak_live_..."
	//   - Session: "sess_..."
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider is the default authentication provider for open
// source builds.
//
// It always returns a valid local user with admin privileges. The
// token is ignored, including the empty string. This is intentional
// for single-user local deployments.
//
// Thread-safe: this implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns a valid local user with admin privileges.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Email:  "",
		Roles:  []string{"admin"},
	}, nil
}

// HTTPAuthProvider validates tokens against a remote identity service.
//
// The service is expected to expose POST {base}/v1/auth/verify taking
// the bearer token and answering with the user's identity, or 401 for
// an invalid token.
type HTTPAuthProvider struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPAuthProvider creates a provider against the given base URL.
func NewHTTPAuthProvider(baseURL string) *HTTPAuthProvider {
	return &HTTPAuthProvider{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type verifyResponse struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}

// Validate calls the identity service to verify the token.
func (p *HTTPAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", ErrUnauthorized)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/auth/verify", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var verified verifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&verified); err != nil {
			return nil, fmt.Errorf("failed to decode verify response: %w", err)
		}
		if verified.UserID == "" {
			return nil, fmt.Errorf("verify response missing user id: %w", ErrUnauthorized)
		}
		return &AuthInfo{
			UserID: verified.UserID,
			Email:  verified.Email,
			Roles:  verified.Roles,
		}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("token rejected: %w", ErrUnauthorized)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("auth service returned status %d: %s", resp.StatusCode, string(body))
	}
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*HTTPAuthProvider)(nil)
)

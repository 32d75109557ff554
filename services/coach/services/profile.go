// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Risk tolerance buckets. These feed the response cache fingerprint,
// so the set must stay small and coarse.
const (
	RiskConservative = "conservative"
	RiskModerate     = "moderate"
	RiskAggressive   = "aggressive"
	RiskUnknown      = "unknown"
)

// UserProfile holds the coaching-relevant attributes of a user.
type UserProfile struct {
	UserID        string   `json:"user_id"`
	RiskTolerance string   `json:"risk_tolerance"`
	AgeRange      string   `json:"age_range,omitempty"`
	Goals         []string `json:"goals,omitempty"`
}

// Fingerprint returns the coarse personalization bucket used in cache
// keys. Never contains the user or session id, so users in the same
// bucket share cached answers.
func (p *UserProfile) Fingerprint() string {
	if p == nil {
		return RiskUnknown
	}
	switch strings.ToLower(strings.TrimSpace(p.RiskTolerance)) {
	case RiskConservative:
		return RiskConservative
	case RiskModerate:
		return RiskModerate
	case RiskAggressive:
		return RiskAggressive
	default:
		return RiskUnknown
	}
}

// PromptContext renders the profile block injected into the system
// prompt. Empty when nothing useful is known.
func (p *UserProfile) PromptContext() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	if bucket := p.Fingerprint(); bucket != RiskUnknown {
		fmt.Fprintf(&b, "Risk tolerance: %s\n", bucket)
	}
	if p.AgeRange != "" {
		fmt.Fprintf(&b, "Age range: %s\n", p.AgeRange)
	}
	if len(p.Goals) > 0 {
		fmt.Fprintf(&b, "Stated goals: %s\n", strings.Join(p.Goals, ", "))
	}
	return b.String()
}

// ProfileLookup resolves a user's coaching profile.
//
// Implementations must be safe for concurrent use. A lookup failure is
// never fatal; callers fall back to an unknown profile.
type ProfileLookup interface {
	Lookup(ctx context.Context, userID string) (*UserProfile, error)
}

// StaticProfileLookup returns the same profile for every user. Used in
// lightweight mode and tests.
type StaticProfileLookup struct {
	Profile *UserProfile
}

var _ ProfileLookup = (*StaticProfileLookup)(nil)

func (s *StaticProfileLookup) Lookup(ctx context.Context, userID string) (*UserProfile, error) {
	if s.Profile == nil {
		return &UserProfile{UserID: userID, RiskTolerance: RiskUnknown}, nil
	}
	copied := *s.Profile
	copied.UserID = userID
	return &copied, nil
}

// HTTPProfileLookup fetches profiles from the user service.
type HTTPProfileLookup struct {
	httpClient *http.Client
	baseURL    string
}

var _ ProfileLookup = (*HTTPProfileLookup)(nil)

// NewHTTPProfileLookup creates a lookup against the given base URL.
func NewHTTPProfileLookup(baseURL string) *HTTPProfileLookup {
	return &HTTPProfileLookup{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (h *HTTPProfileLookup) Lookup(ctx context.Context, userID string) (*UserProfile, error) {
	url := fmt.Sprintf("%s/v1/users/%s/profile", h.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// A user without a saved profile is not an error.
		return &UserProfile{UserID: userID, RiskTolerance: RiskUnknown}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("profile service returned status %d: %s", resp.StatusCode, string(body))
	}

	var profile UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile response: %w", err)
	}
	profile.UserID = userID
	return &profile, nil
}

// resolveProfile looks up the profile, degrading to unknown on error.
func resolveProfile(ctx context.Context, lookup ProfileLookup, userID string) *UserProfile {
	if lookup == nil {
		return &UserProfile{UserID: userID, RiskTolerance: RiskUnknown}
	}
	profile, err := lookup.Lookup(ctx, userID)
	if err != nil {
		slog.Warn("Profile lookup failed, using unknown profile", "userId", userID, "error", err)
		return &UserProfile{UserID: userID, RiskTolerance: RiskUnknown}
	}
	return profile
}

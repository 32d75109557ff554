// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeQuery canonicalizes a user query for cache keying.
//
// Lowercases and collapses all interior whitespace runs to a single
// space so trivially reworded duplicates ("What is  an ETF?" vs
// "what is an etf?") share a cache entry.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Key derives the cache key for a query and a coarse user-context
// fingerprint.
//
// The fingerprint is intentionally coarse (a risk-tolerance bucket, not
// a user or session id) so users with equivalent profiles share entries
// while personalized answers never leak across differing profiles.
func Key(query, fingerprint string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeQuery(query)))
	h.Write([]byte("|"))
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

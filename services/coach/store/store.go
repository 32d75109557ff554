// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists conversation sessions and their message
// history.
//
// # Description
//
// Sessions are append-only: messages are never updated or deleted once
// written, and each session's messages keep a stable chronological
// order. Two implementations exist, an in-memory store for lightweight
// mode and tests, and a Weaviate-backed store for deployments.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. Appends to the same
// session are serialized so ordering is never interleaved.
package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
)

// ErrSessionNotFound indicates the requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ConversationStore defines append-only persistence for chat sessions.
type ConversationStore interface {
	// CreateSession creates a new session for the given user and
	// returns it. The session id is generated by the store.
	CreateSession(ctx context.Context, userID string) (*datatypes.Session, error)

	// GetSession returns the session with the given id, or
	// ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*datatypes.Session, error)

	// Append records a message at the end of the session's history and
	// bumps the session's updated timestamp. Returns the stored form
	// with its generated message id.
	Append(ctx context.Context, sessionID string, msg datatypes.Message, truncated bool) (*datatypes.StoredMessage, error)

	// Recent returns up to n of the session's most recent messages in
	// chronological order (oldest of the window first). An empty
	// session yields an empty slice.
	Recent(ctx context.Context, sessionID string, n int) ([]datatypes.StoredMessage, error)

	// Page returns a slice of the session's history in chronological
	// order, skipping skip messages and returning at most limit.
	Page(ctx context.Context, sessionID string, skip, limit int) (*datatypes.MessagePage, error)

	// ListSessions returns summaries of the user's sessions, most
	// recently updated first.
	ListSessions(ctx context.Context, userID string) ([]datatypes.SessionSummary, error)
}

// clampPage applies the defaults and bounds shared by both stores.
func clampPage(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = datatypes.DefaultPageLimit
	}
	if limit > datatypes.MaxPageLimit {
		limit = datatypes.MaxPageLimit
	}
	return skip, limit
}

// previewFrom derives a session preview from its first user message.
func previewFrom(content string) string {
	runes := []rune(content)
	if len(runes) <= datatypes.PreviewMaxRunes {
		return content
	}
	return string(runes[:datatypes.PreviewMaxRunes])
}

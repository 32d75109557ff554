// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the coach service.
//
// This file contains conversation and session types shared by the
// conversation store, the prompt assembler, and the HTTP handlers.
package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// Message roles. Only these three values are valid on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role/content pair as sent to an LLM backend.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// StoredMessage is a conversation turn as persisted by the conversation store.
//
// # Description
//
// StoredMessage extends the wire-level Message with identity and ordering
// metadata. Messages are append-only: once written they are never mutated.
// The Truncated flag marks assistant turns whose generation was interrupted
// (client disconnect or upstream failure) so that partial content is never
// mistaken for a complete answer.
//
// # Fields
//
//   - MessageID: Unique identifier (UUID v4), generated server-side.
//   - SessionID: The owning conversation session.
//   - Role: One of "user", "assistant", "system".
//   - Content: The message text.
//   - Truncated: True if an assistant turn was cut short mid-stream.
//   - CreatedAt: Unix timestamp in milliseconds (UTC). Monotonic per session.
type StoredMessage struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// NewStoredMessage creates a StoredMessage with generated ID and timestamp.
func NewStoredMessage(sessionID, role, content string) StoredMessage {
	return StoredMessage{
		MessageID: uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Session identifies a conversation thread owned by a single user.
type Session struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// SessionSummary is the listing view of a session.
//
// Preview holds the first user message (truncated to PreviewMaxRunes) so
// clients can render a conversation list without fetching full histories.
type SessionSummary struct {
	SessionID    string `json:"session_id"`
	Preview      string `json:"preview"`
	MessageCount int    `json:"message_count"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// PreviewMaxRunes bounds the session preview length.
const PreviewMaxRunes = 100

// MessagePage is one page of a session's messages, oldest first.
//
// HasMore is true when skip+limit is still short of the session total,
// so clients can page forward without a separate count request.
type MessagePage struct {
	SessionID string          `json:"session_id"`
	Messages  []StoredMessage `json:"messages"`
	Total     int             `json:"total"`
	Skip      int             `json:"skip"`
	Limit     int             `json:"limit"`
	HasMore   bool            `json:"has_more"`
}

// SourceInfo describes one retrieved knowledge chunk cited by a response.
//
// Score is cosine similarity in [-1, 1]; responses only ever cite chunks
// at or above the retrieval threshold.
type SourceInfo struct {
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Title      string  `json:"title,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

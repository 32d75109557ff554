// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// SSE event types emitted on the streaming chat endpoint.
const (
	EventStatus    = "status"
	EventSessionID = "session_id"
	EventSources   = "sources"
	EventToken     = "token"
	EventError     = "error"
	EventDone      = "done"
)

// StreamEvent is one server-sent event on the chat stream.
//
// # Description
//
// Events carry a hash chain for integrity verification: Hash is the
// SHA-256 of the event's content and PrevHash links to the previous
// event. A client can verify that no event was dropped or reordered
// by a proxy.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`

	Content   string       `json:"content,omitempty"`
	Message   string       `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Sources   []SourceInfo `json:"sources,omitempty"`

	// Cached marks a done event whose answer was served from the
	// response cache.
	Cached bool `json:"cached,omitempty"`

	// Truncated marks a done event for a turn cut off mid-stream.
	Truncated bool `json:"truncated,omitempty"`

	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash,omitempty"`
}

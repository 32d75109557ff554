// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP and websocket surface of the
// coach service.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/google/uuid"
)

// =============================================================================
// Interface
// =============================================================================

// SSEWriter writes server-sent events for a streaming chat response.
//
// # Description
//
// Implementations maintain a hash chain across events so clients can
// verify no event was dropped or reordered in transit. All methods
// flush immediately.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the heartbeat
// goroutine writes keepalives while the turn writes tokens.
type SSEWriter interface {
	// WriteEvent writes a single SSE event to the response.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with the given message.
	WriteStatus(message string) error

	// WriteSessionID announces the session the turn is bound to.
	WriteSessionID(sessionID string) error

	// WriteToken writes a token event with the given content.
	WriteToken(content string) error

	// WriteSources writes the citations backing the answer.
	WriteSources(sources []datatypes.SourceInfo) error

	// WriteError writes an error event with a client-safe message.
	WriteError(errMsg string) error

	// WriteDone closes the stream with the final turn summary.
	WriteDone(sessionID string, cached, truncated bool) error

	// WriteKeepAlive sends a comment line to keep idle proxies from
	// dropping the connection.
	WriteKeepAlive() error
}

// SetSSEHeaders sets the response headers required for SSE streaming.
// Must be called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// Each event is written as:
//
//	event: {type}
//	data: {json}
//
// The writer maintains a hash chain: each event's Hash is the SHA-256
// of its content, and PrevHash links to the previous event.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

var _ SSEWriter = (*sseWriter)(nil)

// NewSSEWriter creates an SSEWriter over the given ResponseWriter.
// The caller must set SSE headers first via SetSSEHeaders. Fails if
// the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// WriteEvent populates event metadata (Id, CreatedAt, Hash, PrevHash),
// serializes to JSON, and writes in SSE format with an immediate
// flush.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash hashes all content fields of an event. Sources are
// JSON-serialized for consistent hashing. Called before the Hash field
// is set.
func computeEventHash(event datatypes.StreamEvent) string {
	sourcesJSON := ""
	if len(event.Sources) > 0 {
		if data, err := json.Marshal(event.Sources); err == nil {
			sourcesJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%t|%t",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.SessionID,
		sourcesJSON,
		event.Cached,
		event.Truncated,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventStatus,
		Message: message,
	})
}

func (w *sseWriter) WriteSessionID(sessionID string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.EventSessionID,
		SessionID: sessionID,
	})
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventToken,
		Content: content,
	})
}

func (w *sseWriter) WriteSources(sources []datatypes.SourceInfo) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventSources,
		Sources: sources,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.EventError,
		Error: errMsg,
	})
}

func (w *sseWriter) WriteDone(sessionID string, cached, truncated bool) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.EventDone,
		SessionID: sessionID,
		Cached:    cached,
		Truncated: truncated,
	})
}

// WriteKeepAlive writes an SSE comment line. Comments are invisible to
// EventSource clients but keep the connection warm.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains request and response types for the chat endpoints
// (single-shot and streaming). For conversation/session types, see
// conversation.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Checked in bytes, not runes, to bound memory for pathological payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxHistoryWindow is the number of recent messages included as
	// conversation context when assembling a prompt.
	MaxHistoryWindow = 10

	// DefaultPageLimit is the default page size for message pagination.
	DefaultPageLimit = 50

	// MaxPageLimit caps a single pagination read.
	MaxPageLimit = 200
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Request Types
// =============================================================================

// ChatRequest represents a chat turn request body.
//
// # Description
//
// ChatRequest carries one user message into the chat pipeline. It is
// shared by POST /v1/chat/message (single-shot) and POST /v1/chat/stream
// (SSE). SessionID is optional: when absent a new session is created and
// its id returned with the response.
//
// # Fields
//
//   - RequestID: Optional. Unique identifier (UUID v4) for tracing and
//     audit correlation. Generated server-side when absent.
//   - Timestamp: Optional. Unix timestamp in milliseconds (UTC).
//     Generated server-side when absent.
//   - Message: Required. The user's message, 1..32768 bytes.
//   - SessionID: Optional. Existing session to continue.
//   - UseRetrieval: Optional. When nil, defaults to true. When false the
//     turn skips knowledge retrieval entirely.
//
// # Validation
//
// Uses go-playground/validator:
//   - Message: required, max 32768 bytes (custom "maxbytes" validator)
//   - SessionID: empty or valid UUID v4
type ChatRequest struct {
	RequestID    string `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp    int64  `json:"timestamp" validate:"gte=0"`
	Message      string `json:"message" validate:"required,maxbytes"`
	SessionID    string `json:"session_id" validate:"omitempty,uuid4"`
	UseRetrieval *bool  `json:"use_retrieval"`
}

// Validate validates the ChatRequest fields.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates default values for optional fields.
//
// Generates RequestID and Timestamp if not provided, and defaults
// UseRetrieval to true. Call after binding, before Validate.
func (r *ChatRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	if r.UseRetrieval == nil {
		enabled := true
		r.UseRetrieval = &enabled
	}
}

// RetrievalEnabled reports whether this turn should run knowledge retrieval.
func (r *ChatRequest) RetrievalEnabled() bool {
	return r.UseRetrieval == nil || *r.UseRetrieval
}

// =============================================================================
// Chat Response Types
// =============================================================================

// ChatResponse represents the response to a single-shot chat request.
//
// # Fields
//
//   - ResponseID: Unique identifier (UUID v4), generated server-side.
//   - RequestID: Echo of the request ID for correlation.
//   - Timestamp: Unix timestamp in milliseconds (UTC).
//   - SessionID: The session this turn belongs to (new or continued).
//   - ResponseText: The generated answer.
//   - Sources: Knowledge chunks cited by the answer. Empty when retrieval
//     was disabled, found nothing above threshold, or degraded.
//   - Cached: True when the answer was served from the response cache.
//   - Usage: Token usage statistics. Nil for cached answers.
//   - ProcessingTimeMs: Wall time spent handling the request.
type ChatResponse struct {
	ResponseID       string       `json:"response_id"`
	RequestID        string       `json:"request_id"`
	Timestamp        int64        `json:"timestamp"`
	SessionID        string       `json:"session_id"`
	ResponseText     string       `json:"response_text"`
	Sources          []SourceInfo `json:"sources"`
	Cached           bool         `json:"cached"`
	Usage            *TokenUsage  `json:"usage,omitempty"`
	ProcessingTimeMs int64        `json:"processing_time_ms,omitempty"`
}

// NewChatResponse creates a ChatResponse with generated ID and timestamp.
func NewChatResponse(requestID, sessionID, text string) *ChatResponse {
	return &ChatResponse{
		ResponseID:   uuid.New().String(),
		RequestID:    requestID,
		Timestamp:    time.Now().UnixMilli(),
		SessionID:    sessionID,
		ResponseText: text,
		Sources:      []SourceInfo{},
	}
}

// =============================================================================
// Token Usage Types
// =============================================================================

// TokenUsage contains token consumption statistics for one turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u *TokenUsage) Total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// =============================================================================
// Ingestion Signal Types
// =============================================================================

// IngestionSignal announces that knowledge documents changed upstream.
//
// The coach service does not ingest documents itself; it only reacts to
// this signal by invalidating cached responses that cite the affected
// source so stale answers are not served.
type IngestionSignal struct {
	Source      string   `json:"source" validate:"required"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// Validate validates the IngestionSignal fields.
func (s *IngestionSignal) Validate() error {
	return chatValidate.Struct(s)
}

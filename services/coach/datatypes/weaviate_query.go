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

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Limitations
//
//   - Type mismatches result in zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Common Weaviate Response Types
// =============================================================================

// KnowledgeChunkQueryResponse represents the response from a nearVector
// search over the KnowledgeChunk class.
type KnowledgeChunkQueryResponse struct {
	Get struct {
		KnowledgeChunk []KnowledgeChunkResult `json:"KnowledgeChunk"`
	} `json:"Get"`
}

// KnowledgeChunkResult is a single retrieved chunk.
type KnowledgeChunkResult struct {
	Content    string `json:"content"`
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
	Title      string `json:"title"`
	ChunkIndex *int   `json:"chunk_index"`
	Category   string `json:"category"`
	Additional struct {
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

// ChatSessionQueryResponse represents the response from querying the
// ChatSession class.
type ChatSessionQueryResponse struct {
	Get struct {
		ChatSession []ChatSessionResult `json:"ChatSession"`
	} `json:"Get"`
}

// ChatSessionResult is a single session from a query.
type ChatSessionResult struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	Additional struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// ChatMessageQueryResponse represents the response from querying the
// ChatMessage class.
type ChatMessageQueryResponse struct {
	Get struct {
		ChatMessage []ChatMessageResult `json:"ChatMessage"`
	} `json:"Get"`
}

// ChatMessageResult is a single message from a query.
type ChatMessageResult struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	CreatedAt int64  `json:"created_at"`
}

// AggregateCountResponse represents a meta count aggregate over the
// ChatMessage class.
type AggregateCountResponse struct {
	Aggregate struct {
		ChatMessage []struct {
			Meta struct {
				Count int `json:"count"`
			} `json:"meta"`
		} `json:"ChatMessage"`
	} `json:"Aggregate"`
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MaxEmbedBytes caps the text sent to the embedding service. Longer
// queries are truncated; the head of a question carries the signal.
const MaxEmbedBytes = 2048

// Embedder computes fixed-dimension vector embeddings for text.
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type embeddingRequest struct {
	Text string `json:"text"`
}

type embeddingResponse struct {
	Id        string    `json:"id"`
	Timestamp int       `json:"timestamp"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim"`
}

// ServiceEmbedder calls the HTTP embedding sidecar.
//
// The sidecar accepts POST {"text": ...} and returns the vector with
// its dimensionality. The first successful response pins the expected
// dimension; later mismatches are rejected rather than silently passed
// to the vector store.
type ServiceEmbedder struct {
	httpClient *http.Client
	url        string
	dim        int
}

// NewServiceEmbedder creates an embedder for the given service URL.
func NewServiceEmbedder(url string) (*ServiceEmbedder, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("embedding service URL not set")
	}
	return &ServiceEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		url:        url,
	}, nil
}

// Embed implements the Embedder interface.
func (e *ServiceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > MaxEmbedBytes {
		text = text[:MaxEmbedBytes]
	}
	reqBody, err := json.Marshal(embeddingRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to setup embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(embResp.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	if e.dim == 0 {
		e.dim = len(embResp.Vector)
	} else if len(embResp.Vector) != e.dim {
		return nil, fmt.Errorf("embedding dimension changed: got %d, expected %d", len(embResp.Vector), e.dim)
	}
	return embResp.Vector, nil
}

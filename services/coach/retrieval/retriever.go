// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval implements query embedding and vector search over
// the knowledge base.
//
// A retrieval failure is never fatal to a chat turn: callers detect
// ErrRetrievalUnavailable and degrade to answering without grounding
// context.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("wealthcoach.retrieval")

// ErrRetrievalUnavailable indicates the vector store or embedding
// service could not be reached. Callers degrade rather than fail.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// Retrieval bounds and defaults.
const (
	DefaultTopK      = 5
	MinTopK          = 1
	MaxTopK          = 20
	DefaultThreshold = 0.7

	// knowledgeChunkClass is the Weaviate class searched.
	knowledgeChunkClass = "KnowledgeChunk"

	// overfetchFactor widens the raw search so threshold filtering and
	// deduplication still leave k results when possible.
	overfetchFactor = 2
)

// RetrievedChunk is one knowledge chunk returned by a search, scored by
// cosine similarity to the query.
type RetrievedChunk struct {
	Content    string
	DocumentID string
	Source     string
	Title      string
	ChunkIndex int
	Category   string
	Score      float64
}

// SourceInfo converts a chunk to its response citation form.
func (c RetrievedChunk) SourceInfo() datatypes.SourceInfo {
	return datatypes.SourceInfo{
		DocumentID: c.DocumentID,
		Source:     c.Source,
		Title:      c.Title,
		ChunkIndex: c.ChunkIndex,
		Score:      c.Score,
	}
}

// Options controls a single retrieval.
type Options struct {
	// TopK is the maximum number of chunks to return. Clamped to
	// [MinTopK, MaxTopK]; zero means DefaultTopK.
	TopK int

	// Threshold is the minimum cosine similarity. Zero means
	// DefaultThreshold; a negative value disables filtering.
	Threshold float64

	// Category optionally restricts the search to one topic category.
	Category string
}

// normalize applies defaults and clamps bounds.
func (o Options) normalize() Options {
	if o.TopK == 0 {
		o.TopK = DefaultTopK
	}
	if o.TopK < MinTopK {
		o.TopK = MinTopK
	}
	if o.TopK > MaxTopK {
		o.TopK = MaxTopK
	}
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	return o
}

// Retriever searches the knowledge base for chunks relevant to a query.
//
// Implementations must be safe for concurrent use.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts Options) ([]RetrievedChunk, error)
}

// WeaviateRetriever implements Retriever against a Weaviate instance.
type WeaviateRetriever struct {
	client   *weaviate.Client
	embedder Embedder
}

// NewWeaviateRetriever creates a retriever over the given client and
// embedding provider.
func NewWeaviateRetriever(client *weaviate.Client, embedder Embedder) *WeaviateRetriever {
	return &WeaviateRetriever{client: client, embedder: embedder}
}

// Retrieve embeds the query and runs a nearVector search.
//
// # Description
//
// Results are filtered to the similarity threshold, deduplicated by
// (document, chunk index), and returned in strictly descending score
// order; ties are broken by the lower chunk index. An unreachable
// embedding service or vector store yields ErrRetrievalUnavailable.
// An empty result is not an error.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, opts Options) ([]RetrievedChunk, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()

	opts = opts.normalize()
	span.SetAttributes(
		attribute.Int("retrieval.top_k", opts.TopK),
		attribute.Float64("retrieval.threshold", opts.Threshold),
	)

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to embed query for retrieval", "error", err)
		return nil, fmt.Errorf("%w: embedding failed: %v", ErrRetrievalUnavailable, err)
	}

	nearVector := r.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	// Request certainty (always [0,1]) instead of distance which varies
	// by metric; converted to cosine similarity below.
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "document_id"},
		{Name: "source"},
		{Name: "title"},
		{Name: "chunk_index"},
		{Name: "category"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	getter := r.client.GraphQL().Get().
		WithClassName(knowledgeChunkClass).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(opts.TopK * overfetchFactor)

	if opts.Category != "" {
		categoryFilter := filters.Where().
			WithPath([]string{"category"}).
			WithOperator(filters.Equal).
			WithValueString(opts.Category)
		getter = getter.WithWhere(categoryFilter)
	}

	result, err := getter.Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Weaviate knowledge search failed", "error", err)
		return nil, fmt.Errorf("%w: weaviate search failed: %v", ErrRetrievalUnavailable, err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.KnowledgeChunkQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: failed to parse results: %v", ErrRetrievalUnavailable, err)
	}

	chunks := make([]RetrievedChunk, 0, len(parsed.Get.KnowledgeChunk))
	for _, res := range parsed.Get.KnowledgeChunk {
		var certainty float64
		if res.Additional.Certainty != nil {
			certainty = *res.Additional.Certainty
		}
		chunkIndex := 0
		if res.ChunkIndex != nil {
			chunkIndex = *res.ChunkIndex
		}
		chunks = append(chunks, RetrievedChunk{
			Content:    res.Content,
			DocumentID: res.DocumentID,
			Source:     res.Source,
			Title:      res.Title,
			ChunkIndex: chunkIndex,
			Category:   res.Category,
			// Weaviate certainty = (1 + cosine) / 2
			Score: 2*certainty - 1,
		})
	}

	ranked := rankChunks(chunks, opts.TopK, opts.Threshold)
	span.SetAttributes(attribute.Int("retrieval.result_count", len(ranked)))
	slog.Debug("Knowledge retrieval complete", "raw", len(chunks), "returned", len(ranked))
	return ranked, nil
}

// rankChunks filters, deduplicates, and orders raw search results.
//
// Order is descending score; equal scores break toward the lower chunk
// index so ranking is deterministic run to run. Duplicate
// (document, chunk index) pairs keep only the highest score.
func rankChunks(chunks []RetrievedChunk, topK int, threshold float64) []RetrievedChunk {
	type chunkKey struct {
		doc   string
		index int
	}
	best := make(map[chunkKey]RetrievedChunk, len(chunks))
	for _, c := range chunks {
		if c.Score < threshold {
			continue
		}
		key := chunkKey{doc: c.DocumentID, index: c.ChunkIndex}
		if prev, ok := best[key]; !ok || c.Score > prev.Score {
			best[key] = c
		}
	}

	ranked := make([]RetrievedChunk, 0, len(best))
	for _, c := range best {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ChunkIndex < ranked[j].ChunkIndex
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

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
	"context"
	"log"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// GetKnowledgeChunkSchema returns the schema for the KnowledgeChunk class.
//
// KnowledgeChunk holds the embedded knowledge base content the retriever
// searches. Chunks are written by the ingestion pipeline, not this
// service; the coach only reads them.
func GetKnowledgeChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "KnowledgeChunk",
		Description: "An embedded chunk of financial knowledge base content.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "document_id",
				DataType:        []string{"text"},
				Description:     "The ID of the parent document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "The original file path or source of the document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "title",
				DataType:     []string{"text"},
				Description:  "Human readable document title.",
				Tokenization: "word",
			},
			{
				Name:            "chunk_index",
				DataType:        []string{"int"},
				Description:     "Position of this chunk within its document (0-indexed).",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "category",
				DataType:        []string{"text"},
				Description:     "Topic category (e.g., 'retirement', 'budgeting').",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of when the chunk was ingested.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// GetChatSessionSchema returns the schema for the ChatSession class.
func GetChatSessionSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:               "ChatSession",
		Description:         "Metadata for a single coaching conversation session.",
		Vectorizer:          "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{IndexTimestamps: true},
		Properties: []*models.Property{
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The unique ID for the conversation session.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "user_id",
				DataType:        []string{"text"},
				Description:     "The owning user.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the session began.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "updated_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of the last appended message.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// GetChatMessageSchema returns the schema for the ChatMessage class.
func GetChatMessageSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "ChatMessage",
		Description: "A single message within a coaching conversation.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "message_id",
				DataType:        []string{"text"},
				Description:     "The unique ID for this message.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The owning conversation session.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "role",
				DataType:        []string{"text"},
				Description:     "Message role: user, assistant, or system.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The message text.",
				Tokenization: "word",
			},
			{
				Name:            "truncated",
				DataType:        []string{"boolean"},
				Description:     "True if an assistant turn was cut short mid-stream.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the message was appended.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func EnsureWeaviateSchema(client *weaviate.Client) {
	schemaGetters := []func() *models.Class{
		GetChatSessionSchema,
		GetChatMessageSchema,
		GetKnowledgeChunkSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		// Check if the class already exists.
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			// If it doesn't exist, the client returns an error. We can now create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			err := client.Schema().ClassCreator().WithClass(class).Do(context.Background())
			if err != nil {
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config reads service configuration from the environment once
// at startup. A .env file is loaded when present; real environment
// variables win over .env entries.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the typed configuration of the coach service.
type Config struct {
	// Port the HTTP server listens on.
	Port string

	// WeaviateURL is the vector store endpoint. Empty means lightweight
	// mode: in-memory conversation store, no retrieval.
	WeaviateURL string

	// EmbeddingServiceURL is the embedding sidecar endpoint.
	EmbeddingServiceURL string

	// LLMBackendType selects the LLM backend ("openai" or "ollama").
	LLMBackendType string

	// ModelName is the generation model identifier passed to the
	// backend.
	ModelName string

	// AuthServiceURL is the external token verifier. Empty means the
	// no-op provider (dev mode).
	AuthServiceURL string

	// ProfileServiceURL is the user profile service. Empty means all
	// users get the unknown profile.
	ProfileServiceURL string

	// OTLPEndpoint is the OpenTelemetry collector address.
	OTLPEndpoint string

	RetrievalTopK      int
	RetrievalThreshold float64

	CacheTTL        time.Duration
	CacheMaxEntries int

	TokenBudget         int
	MaxCompletionTokens int
	RequestTimeout      time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int
}

// Load reads the configuration from the environment. Missing values
// fall back to defaults suitable for local development.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	return &Config{
		Port:                getEnv("PORT", "12310"),
		WeaviateURL:         strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' "),
		EmbeddingServiceURL: getEnv("EMBEDDING_SERVICE_URL", "http://localhost:12320"),
		LLMBackendType:      getEnv("LLM_BACKEND_TYPE", "ollama"),
		ModelName:           getEnv("MODEL_NAME", "llama3.1:8b"),
		AuthServiceURL:      os.Getenv("AUTH_SERVICE_URL"),
		ProfileServiceURL:   os.Getenv("PROFILE_SERVICE_URL"),
		OTLPEndpoint:        getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		RetrievalTopK:       getEnvInt("RAG_TOP_K", 5),
		RetrievalThreshold:  getEnvFloat("RAG_SCORE_THRESHOLD", 0.7),
		CacheTTL:            getEnvDuration("CACHE_TTL", 2*time.Hour),
		CacheMaxEntries:     getEnvInt("CACHE_MAX_ENTRIES", 10000),
		TokenBudget:         getEnvInt("PROMPT_TOKEN_BUDGET", 2000),
		MaxCompletionTokens: getEnvInt("MAX_COMPLETION_TOKENS", 500),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RateLimitPerMinute:  getEnvInt("RATE_LIMIT_PER_MINUTE", 20),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 5),
	}
}

// LightweightMode reports whether the service runs without a vector
// store.
func (c *Config) LightweightMode() bool {
	return c.WeaviateURL == "" || !strings.Contains(c.WeaviateURL, "http")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Invalid float in environment, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration syntax ("2h") or bare seconds
// ("7200").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	slog.Warn("Invalid duration in environment, using default", "key", key, "value", v, "default", fallback)
	return fallback
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/WealthCoach/pkg/extensions"
	"github.com/AleutianAI/WealthCoach/services/coach/cache"
	"github.com/AleutianAI/WealthCoach/services/coach/config"
	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/AleutianAI/WealthCoach/services/coach/middleware"
	"github.com/AleutianAI/WealthCoach/services/coach/observability"
	"github.com/AleutianAI/WealthCoach/services/coach/retrieval"
	"github.com/AleutianAI/WealthCoach/services/coach/routes"
	"github.com/AleutianAI/WealthCoach/services/coach/services"
	"github.com/AleutianAI/WealthCoach/services/coach/store"
	"github.com/AleutianAI/WealthCoach/services/llm"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("coach-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildWeaviateClient parses and validates the configured URL,
// returning nil for lightweight mode.
func buildWeaviateClient(cfg *config.Config) *weaviate.Client {
	if cfg.LightweightMode() {
		slog.Info("WEAVIATE_SERVICE_URL not set or invalid. Running in lightweight mode (in-memory sessions, no retrieval).")
		return nil
	}

	parsedURL, err := url.Parse(cfg.WeaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running in lightweight mode.",
			"url", cfg.WeaviateURL, "error", err)
		return nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client", "error", err)
		return nil
	}
	datatypes.EnsureWeaviateSchema(client)
	return client
}

func buildLLMClient(cfg *config.Config) (llm.LLMClient, error) {
	switch cfg.LLMBackendType {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return llm.NewOpenAIClient()
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return llm.NewOllamaClient()
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to ollama",
			"value", cfg.LLMBackendType)
		return llm.NewOllamaClient()
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Init the tracer ---
	cleanup, err := initTracer(cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	weaviateClient := buildWeaviateClient(cfg)

	var conversations store.ConversationStore
	var retriever retrieval.Retriever
	if weaviateClient != nil {
		conversations = store.NewWeaviateStore(weaviateClient)
		embedder, err := retrieval.NewServiceEmbedder(cfg.EmbeddingServiceURL)
		if err != nil {
			log.Fatalf("Failed to create embedding client: %v", err)
		}
		retriever = retrieval.NewWeaviateRetriever(weaviateClient, embedder)
	} else {
		conversations = store.NewMemoryStore()
	}

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	assembler, err := services.NewPromptAssembler(cfg.TokenBudget)
	if err != nil {
		log.Fatalf("Failed to initialize prompt assembler: %v", err)
	}

	var authProvider extensions.AuthProvider
	if cfg.AuthServiceURL != "" {
		authProvider = extensions.NewHTTPAuthProvider(cfg.AuthServiceURL)
	} else {
		slog.Warn("AUTH_SERVICE_URL not set, all requests run as the local user")
		authProvider = &extensions.NopAuthProvider{}
	}

	var profiles services.ProfileLookup
	if cfg.ProfileServiceURL != "" {
		profiles = services.NewHTTPProfileLookup(cfg.ProfileServiceURL)
	} else {
		profiles = &services.StaticProfileLookup{}
	}

	orch := services.NewOrchestrator(services.OrchestratorConfig{
		Store:     conversations,
		Retriever: retriever,
		Cache: cache.NewResponseCache(
			cache.WithTTL(cfg.CacheTTL),
			cache.WithMaxEntries(cfg.CacheMaxEntries)),
		Assembler:           assembler,
		LLM:                 llmClient,
		Profiles:            profiles,
		ModelName:           cfg.ModelName,
		RequestTimeout:      cfg.RequestTimeout,
		MaxCompletionTokens: cfg.MaxCompletionTokens,
		RetrievalOpts: retrieval.Options{
			TopK:      cfg.RetrievalTopK,
			Threshold: cfg.RetrievalThreshold,
		},
	})

	router := gin.Default()
	router.Use(otelgin.Middleware("coach-service"))

	routes.SetupRoutes(router, routes.Deps{
		Orchestrator: orch,
		Store:        conversations,
		Auth:         authProvider,
		RateLimiter:  middleware.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
	})

	log.Println("Starting the coach server on port ", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

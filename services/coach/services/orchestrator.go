// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/WealthCoach/services/coach/cache"
	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/AleutianAI/WealthCoach/services/coach/observability"
	"github.com/AleutianAI/WealthCoach/services/coach/retrieval"
	"github.com/AleutianAI/WealthCoach/services/coach/store"
	"github.com/AleutianAI/WealthCoach/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("wealthcoach.services")

// DefaultRequestTimeout bounds the non-streaming chat path. Streaming
// turns are bounded by client disconnect instead.
const DefaultRequestTimeout = 30 * time.Second

// DefaultMaxCompletionTokens caps the model's output per turn.
const DefaultMaxCompletionTokens = 500

// TurnState labels the stages a chat turn moves through. States are
// recorded on spans and debug logs for diagnosis of stuck turns.
type TurnState string

const (
	StateReceived    TurnState = "RECEIVED"
	StateCacheLookup TurnState = "CACHE_LOOKUP"
	StateCacheHit    TurnState = "CACHE_HIT"
	StateCacheMiss   TurnState = "CACHE_MISS"
	StateRetrieving  TurnState = "RETRIEVING"
	StateAssembling  TurnState = "ASSEMBLING"
	StateStreaming   TurnState = "STREAMING"
	StatePersisting  TurnState = "PERSISTING"
	StateCacheWrite  TurnState = "CACHE_WRITE"
	StateDone        TurnState = "DONE"
	StateFailed      TurnState = "FAILED"
)

// Orchestrator drives a chat turn through its states: cache lookup,
// retrieval, prompt assembly, generation, persistence, cache write.
//
// # Description
//
// A nil retriever disables knowledge retrieval entirely (lightweight
// mode); a retrieval failure on a normal turn degrades to answering
// without sources rather than failing the turn. Conversation history
// is persisted for every completed turn, including cache hits, so the
// transcript stays faithful to what the user saw.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	store     store.ConversationStore
	retriever retrieval.Retriever
	cache     *cache.ResponseCache
	assembler *PromptAssembler
	llmClient llm.LLMClient
	profiles  ProfileLookup

	modelName      string
	requestTimeout time.Duration
	maxTokens      int
	retrievalOpts  retrieval.Options
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Store     store.ConversationStore
	Retriever retrieval.Retriever
	Cache     *cache.ResponseCache
	Assembler *PromptAssembler
	LLM       llm.LLMClient
	Profiles  ProfileLookup

	// ModelName labels token metrics and cache entries.
	ModelName string

	// RequestTimeout bounds the non-streaming path. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// MaxCompletionTokens caps model output. Zero means
	// DefaultMaxCompletionTokens.
	MaxCompletionTokens int

	// RetrievalOpts applies to every retrieval call. Zero values take
	// the retrieval package defaults.
	RetrievalOpts retrieval.Options
}

// NewOrchestrator creates an orchestrator from its config.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxCompletionTokens <= 0 {
		cfg.MaxCompletionTokens = DefaultMaxCompletionTokens
	}
	return &Orchestrator{
		store:          cfg.Store,
		retriever:      cfg.Retriever,
		cache:          cfg.Cache,
		assembler:      cfg.Assembler,
		llmClient:      cfg.LLM,
		profiles:       cfg.Profiles,
		modelName:      cfg.ModelName,
		requestTimeout: cfg.RequestTimeout,
		maxTokens:      cfg.MaxCompletionTokens,
		retrievalOpts:  cfg.RetrievalOpts,
	}
}

// setState records a state transition on the span and debug log.
func setState(span trace.Span, requestID string, state TurnState) {
	span.AddEvent(string(state))
	span.SetAttributes(attribute.String("chat.turn_state", string(state)))
	slog.Debug("Turn state transition", "requestId", requestID, "state", state)
}

func (o *Orchestrator) generationParams() llm.GenerationParams {
	maxTokens := o.maxTokens
	return llm.GenerationParams{MaxTokens: &maxTokens}
}

// resolveSession loads the request's session or creates a new one.
// A session belonging to a different user is indistinguishable from a
// missing one, so supplying someone else's session id can neither read
// their history nor write into it.
func (o *Orchestrator) resolveSession(ctx context.Context, userID string, req *datatypes.ChatRequest) (*datatypes.Session, error) {
	if req.SessionID != "" {
		session, err := o.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if session.UserID != userID {
			return nil, store.ErrSessionNotFound
		}
		return session, nil
	}
	return o.store.CreateSession(ctx, userID)
}

// retrieve runs knowledge retrieval, degrading to no sources when the
// retrieval layer is down or disabled.
func (o *Orchestrator) retrieve(ctx context.Context, req *datatypes.ChatRequest) []retrieval.RetrievedChunk {
	if o.retriever == nil || !req.RetrievalEnabled() {
		return nil
	}
	chunks, err := o.retriever.Retrieve(ctx, req.Message, o.retrievalOpts)
	if err != nil {
		slog.Warn("Retrieval degraded, continuing without sources",
			"requestId", req.RequestID, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(observability.EndpointMessage, observability.ErrorCodeRetrieval)
		}
		return nil
	}
	return chunks
}

// persistTurn appends the user and assistant messages to the session.
func (o *Orchestrator) persistTurn(ctx context.Context, sessionID, userMessage, assistantText string, truncated bool) error {
	userMsg := datatypes.Message{Role: datatypes.RoleUser, Content: userMessage}
	if _, err := o.store.Append(ctx, sessionID, userMsg, false); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}
	assistantMsg := datatypes.Message{Role: datatypes.RoleAssistant, Content: assistantText}
	if _, err := o.store.Append(ctx, sessionID, assistantMsg, truncated); err != nil {
		return fmt.Errorf("failed to persist assistant message: %w", err)
	}
	return nil
}

func sourceInfos(chunks []retrieval.RetrievedChunk) []datatypes.SourceInfo {
	if len(chunks) == 0 {
		return nil
	}
	sources := make([]datatypes.SourceInfo, 0, len(chunks))
	for _, chunk := range chunks {
		sources = append(sources, chunk.SourceInfo())
	}
	return sources
}

// computeTurn runs retrieval, assembly, and generation for a cache
// miss. History is read before the current turn is persisted, so the
// prompt never contains the message being answered.
func (o *Orchestrator) computeTurn(ctx context.Context, span trace.Span, session *datatypes.Session, profile *UserProfile, req *datatypes.ChatRequest) (*cache.CachedResponse, *datatypes.TokenUsage, error) {
	setState(span, req.RequestID, StateRetrieving)
	chunks := o.retrieve(ctx, req)

	history, err := o.store.Recent(ctx, session.SessionID, datatypes.MaxHistoryWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load history: %w", err)
	}

	setState(span, req.RequestID, StateAssembling)
	messages, err := o.assembler.Assemble(PromptInput{
		UserMessage: req.Message,
		History:     history,
		Chunks:      chunks,
		Profile:     profile,
	})
	if err != nil {
		return nil, nil, err
	}

	setState(span, req.RequestID, StateStreaming)
	text, err := o.llmClient.Chat(ctx, messages, o.generationParams())
	if err != nil {
		return nil, nil, err
	}

	var inputTokens int
	for _, msg := range messages {
		inputTokens += o.assembler.CountTokens(msg.Content)
	}
	usage := &datatypes.TokenUsage{
		InputTokens:  inputTokens,
		OutputTokens: o.assembler.CountTokens(text),
	}

	return &cache.CachedResponse{
		ResponseText: text,
		Sources:      sourceInfos(chunks),
		Model:        o.modelName,
		TokensUsed:   usage.Total(),
		CreatedAt:    time.Now().UnixMilli(),
	}, usage, nil
}

// Respond executes a single-shot chat turn.
//
// # Description
//
// The whole turn runs under the request timeout. Identical concurrent
// questions from users in the same personalization bucket share one
// model call through the response cache. Errors are never cached.
func (o *Orchestrator) Respond(ctx context.Context, userID string, req *datatypes.ChatRequest) (*datatypes.ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Respond")
	defer span.End()

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	setState(span, req.RequestID, StateReceived)
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		setState(span, req.RequestID, StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	span.SetAttributes(attribute.String("chat.request_id", req.RequestID))

	session, err := o.resolveSession(ctx, userID, req)
	if err != nil {
		return nil, o.failTurn(span, req.RequestID, err)
	}
	profile := resolveProfile(ctx, o.profiles, userID)

	setState(span, req.RequestID, StateCacheLookup)
	key := cache.Key(req.Message, profile.Fingerprint())

	var usage *datatypes.TokenUsage
	cached, fromCache, err := o.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*cache.CachedResponse, error) {
		setState(span, req.RequestID, StateCacheMiss)
		computed, u, err := o.computeTurn(ctx, span, session, profile, req)
		if err != nil {
			return nil, err
		}
		usage = u
		setState(span, req.RequestID, StateCacheWrite)
		return computed, nil
	})
	if err != nil {
		return nil, o.failTurn(span, req.RequestID, err)
	}

	if m := observability.DefaultMetrics; m != nil {
		if fromCache {
			m.RecordCacheLookup(observability.CacheOutcomeHit)
		} else {
			m.RecordCacheLookup(observability.CacheOutcomeMiss)
			if usage != nil {
				m.RecordTokens(usage.InputTokens, usage.OutputTokens, o.modelName)
			}
		}
	}
	if fromCache {
		setState(span, req.RequestID, StateCacheHit)
	}

	setState(span, req.RequestID, StatePersisting)
	if err := o.persistTurn(ctx, session.SessionID, req.Message, cached.ResponseText, false); err != nil {
		return nil, o.failTurn(span, req.RequestID, err)
	}

	setState(span, req.RequestID, StateDone)
	response := datatypes.NewChatResponse(req.RequestID, session.SessionID, cached.ResponseText)
	response.Sources = cached.Sources
	response.Cached = fromCache
	response.Usage = usage
	response.ProcessingTimeMs = time.Since(started).Milliseconds()
	return response, nil
}

// failTurn marks the span failed and maps context deadline errors to
// the request-timeout sentinel.
func (o *Orchestrator) failTurn(span trace.Span, requestID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	setState(span, requestID, StateFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.Error("Chat turn failed", "requestId", requestID, "error", err)
	return err
}

// StreamCallbacks receives turn milestones during streaming. Any
// callback returning an error aborts the stream; callbacks may be nil.
type StreamCallbacks struct {
	// OnSessionID fires once, before any tokens, with the session the
	// turn is bound to.
	OnSessionID func(sessionID string) error

	// OnSources fires once after retrieval with the citations backing
	// the answer. Not fired when retrieval is disabled or degraded.
	OnSources func(sources []datatypes.SourceInfo) error

	// OnToken fires for each generated token fragment.
	OnToken func(token string) error
}

// StreamResult summarizes a finished (or truncated) streaming turn.
type StreamResult struct {
	SessionID    string
	ResponseText string
	Sources      []datatypes.SourceInfo
	Cached       bool
	Truncated    bool
	Usage        *datatypes.TokenUsage
}

// StreamTurn executes a streaming chat turn.
//
// # Description
//
// On a cache hit the stored answer is replayed through OnToken without
// touching the model. On cancellation or a mid-stream failure, any
// partial text already sent to the client is persisted with the
// truncated flag set, so the transcript matches what the user saw. The
// returned result is non-nil whenever something was persisted, even
// when err is non-nil.
func (o *Orchestrator) StreamTurn(ctx context.Context, userID string, req *datatypes.ChatRequest, callbacks StreamCallbacks) (*StreamResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.StreamTurn")
	defer span.End()

	setState(span, req.RequestID, StateReceived)
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		setState(span, req.RequestID, StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	span.SetAttributes(attribute.String("chat.request_id", req.RequestID))

	session, err := o.resolveSession(ctx, userID, req)
	if err != nil {
		return nil, o.failTurn(span, req.RequestID, err)
	}
	if callbacks.OnSessionID != nil {
		if err := callbacks.OnSessionID(session.SessionID); err != nil {
			return nil, o.failTurn(span, req.RequestID, err)
		}
	}
	profile := resolveProfile(ctx, o.profiles, userID)

	setState(span, req.RequestID, StateCacheLookup)
	key := cache.Key(req.Message, profile.Fingerprint())

	if cached, ok := o.cache.Get(key); ok {
		setState(span, req.RequestID, StateCacheHit)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordCacheLookup(observability.CacheOutcomeHit)
		}
		return o.replayCached(ctx, span, session, req, cached, callbacks)
	}
	setState(span, req.RequestID, StateCacheMiss)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordCacheLookup(observability.CacheOutcomeMiss)
	}

	setState(span, req.RequestID, StateRetrieving)
	chunks := o.retrieve(ctx, req)
	sources := sourceInfos(chunks)
	if len(sources) > 0 && callbacks.OnSources != nil {
		if err := callbacks.OnSources(sources); err != nil {
			return nil, o.failTurn(span, req.RequestID, err)
		}
	}

	history, err := o.store.Recent(ctx, session.SessionID, datatypes.MaxHistoryWindow)
	if err != nil {
		return nil, o.failTurn(span, req.RequestID, fmt.Errorf("failed to load history: %w", err))
	}

	setState(span, req.RequestID, StateAssembling)
	messages, err := o.assembler.Assemble(PromptInput{
		UserMessage: req.Message,
		History:     history,
		Chunks:      chunks,
		Profile:     profile,
	})
	if err != nil {
		return nil, o.failTurn(span, req.RequestID, err)
	}

	setState(span, req.RequestID, StateStreaming)
	var text strings.Builder
	streamErr := o.llmClient.ChatStream(ctx, messages, o.generationParams(), func(event llm.StreamEvent) error {
		switch event.Type {
		case llm.StreamEventToken:
			text.WriteString(event.Content)
			if callbacks.OnToken != nil {
				return callbacks.OnToken(event.Content)
			}
			return nil
		case llm.StreamEventError:
			return event.Error
		default:
			return nil
		}
	})

	if streamErr != nil {
		// Persist whatever reached the client before failing the turn.
		// Persistence uses a fresh context in case the request context
		// is what got canceled.
		partial := text.String()
		if partial != "" {
			setState(span, req.RequestID, StatePersisting)
			persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := o.persistTurn(persistCtx, session.SessionID, req.Message, partial, true); err != nil {
				slog.Error("Failed to persist truncated turn", "requestId", req.RequestID, "error", err)
			}
			result := &StreamResult{
				SessionID:    session.SessionID,
				ResponseText: partial,
				Sources:      sources,
				Truncated:    true,
			}
			return result, o.failTurn(span, req.RequestID, streamErr)
		}
		return nil, o.failTurn(span, req.RequestID, streamErr)
	}

	responseText := text.String()
	var inputTokens int
	for _, msg := range messages {
		inputTokens += o.assembler.CountTokens(msg.Content)
	}
	usage := &datatypes.TokenUsage{
		InputTokens:  inputTokens,
		OutputTokens: o.assembler.CountTokens(responseText),
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(usage.InputTokens, usage.OutputTokens, o.modelName)
	}

	setState(span, req.RequestID, StatePersisting)
	if err := o.persistTurn(ctx, session.SessionID, req.Message, responseText, false); err != nil {
		return nil, o.failTurn(span, req.RequestID, err)
	}

	setState(span, req.RequestID, StateCacheWrite)
	if err := o.cache.Set(key, &cache.CachedResponse{
		ResponseText: responseText,
		Sources:      sources,
		Model:        o.modelName,
		TokensUsed:   usage.Total(),
		CreatedAt:    time.Now().UnixMilli(),
	}); err != nil {
		// The client already has the answer; surface the cache fault
		// loudly but do not fail the turn.
		slog.Error("Failed to cache streamed response", "requestId", req.RequestID, "error", err)
	}

	setState(span, req.RequestID, StateDone)
	return &StreamResult{
		SessionID:    session.SessionID,
		ResponseText: responseText,
		Sources:      sources,
		Usage:        usage,
	}, nil
}

// replayCached streams a cached answer back and persists the turn.
func (o *Orchestrator) replayCached(ctx context.Context, span trace.Span, session *datatypes.Session, req *datatypes.ChatRequest, cached *cache.CachedResponse, callbacks StreamCallbacks) (*StreamResult, error) {
	if len(cached.Sources) > 0 && callbacks.OnSources != nil {
		if err := callbacks.OnSources(cached.Sources); err != nil {
			return nil, o.failTurn(span, req.RequestID, err)
		}
	}
	if callbacks.OnToken != nil {
		if err := callbacks.OnToken(cached.ResponseText); err != nil {
			return nil, o.failTurn(span, req.RequestID, err)
		}
	}

	setState(span, req.RequestID, StatePersisting)
	if err := o.persistTurn(ctx, session.SessionID, req.Message, cached.ResponseText, false); err != nil {
		return nil, o.failTurn(span, req.RequestID, err)
	}

	setState(span, req.RequestID, StateDone)
	return &StreamResult{
		SessionID:    session.SessionID,
		ResponseText: cached.ResponseText,
		Sources:      cached.Sources,
		Cached:       true,
	}, nil
}

// InvalidateForIngestion drops cached responses derived from a source
// that was re-ingested.
func (o *Orchestrator) InvalidateForIngestion(signal *datatypes.IngestionSignal) int {
	removed := o.cache.InvalidateSource(signal.Source)
	slog.Info("Invalidated cached responses for source", "source", signal.Source, "removed", removed)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordCacheInvalidation(signal.Source, removed)
	}
	return removed
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/WealthCoach/services/coach/cache"
	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/AleutianAI/WealthCoach/services/coach/retrieval"
	"github.com/AleutianAI/WealthCoach/services/coach/store"
	"github.com/AleutianAI/WealthCoach/services/llm"
)

// mockLLM scripts model behavior for orchestrator tests.
type mockLLM struct {
	chatCalls   atomic.Int64
	streamCalls atomic.Int64

	response string
	chatErr  error

	// streamTokens are emitted in order; streamErrAfter > 0 injects a
	// failure after that many tokens.
	streamTokens   []string
	streamErrAfter int
	streamErr      error
}

func (m *mockLLM) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (string, error) {
	m.chatCalls.Add(1)
	if m.chatErr != nil {
		return "", m.chatErr
	}
	return m.response, nil
}

func (m *mockLLM) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	m.streamCalls.Add(1)
	for i, token := range m.streamTokens {
		if m.streamErrAfter > 0 && i == m.streamErrAfter {
			return m.streamErr
		}
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: token}); err != nil {
			return err
		}
	}
	return nil
}

// mockRetriever returns scripted chunks or an error.
type mockRetriever struct {
	chunks []retrieval.RetrievedChunk
	err    error
	calls  atomic.Int64
}

func (m *mockRetriever) Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.RetrievedChunk, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.chunks, nil
}

type testEnv struct {
	orch      *Orchestrator
	store     *store.MemoryStore
	llm       *mockLLM
	retriever *mockRetriever
}

func newTestEnv(t *testing.T, model *mockLLM, ret *mockRetriever) *testEnv {
	t.Helper()
	assembler, err := NewPromptAssembler(0)
	if err != nil {
		t.Fatalf("NewPromptAssembler() error = %v", err)
	}
	memStore := store.NewMemoryStore()

	var retriever retrieval.Retriever
	if ret != nil {
		retriever = ret
	}
	orch := NewOrchestrator(OrchestratorConfig{
		Store:     memStore,
		Retriever: retriever,
		Cache:     cache.NewResponseCache(),
		Assembler: assembler,
		LLM:       model,
		Profiles:  &StaticProfileLookup{Profile: &UserProfile{RiskTolerance: RiskModerate}},
		ModelName: "test-model",
	})
	return &testEnv{orch: orch, store: memStore, llm: model, retriever: ret}
}

func chatReq(message, sessionID string) *datatypes.ChatRequest {
	return &datatypes.ChatRequest{Message: message, SessionID: sessionID}
}

func TestRespond_HappyPath(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{response: "Index funds track a market index."}, &mockRetriever{
		chunks: []retrieval.RetrievedChunk{
			{Content: "Index funds pool money.", DocumentID: "doc-1", Source: "investing-basics", Score: 0.9},
		},
	})

	resp, err := env.orch.Respond(context.Background(), "user-1", chatReq("How do index funds work?", ""))
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if resp.ResponseText != "Index funds track a market index." {
		t.Errorf("ResponseText = %q", resp.ResponseText)
	}
	if resp.Cached {
		t.Error("first response should not be cached")
	}
	if len(resp.Sources) != 1 || resp.Sources[0].DocumentID != "doc-1" {
		t.Errorf("Sources = %+v", resp.Sources)
	}
	if resp.Usage == nil || resp.Usage.InputTokens == 0 || resp.Usage.OutputTokens == 0 {
		t.Errorf("Usage = %+v, want nonzero counts", resp.Usage)
	}
	if resp.SessionID == "" {
		t.Error("expected session id on response")
	}

	messages, err := env.store.Recent(context.Background(), resp.SessionID, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[0].Role != datatypes.RoleUser || messages[1].Role != datatypes.RoleAssistant {
		t.Errorf("persisted roles = %q, %q", messages[0].Role, messages[1].Role)
	}
}

func TestRespond_CacheHitStillPersists(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{response: "Diversification spreads risk."}, nil)
	ctx := context.Background()

	session, _ := env.store.CreateSession(ctx, "user-1")

	first, err := env.orch.Respond(ctx, "user-1", chatReq("What is diversification?", session.SessionID))
	if err != nil {
		t.Fatalf("first Respond() error = %v", err)
	}
	if first.Cached {
		t.Error("first response should be a miss")
	}

	second, err := env.orch.Respond(ctx, "user-1", chatReq("what is   DIVERSIFICATION?", session.SessionID))
	if err != nil {
		t.Fatalf("second Respond() error = %v", err)
	}
	if !second.Cached {
		t.Error("equivalent query should hit the cache")
	}
	if got := env.llm.chatCalls.Load(); got != 1 {
		t.Errorf("model called %d times, want 1", got)
	}

	// Both turns were persisted even though one was served from cache.
	messages, _ := env.store.Recent(ctx, session.SessionID, 0)
	if len(messages) != 4 {
		t.Errorf("expected 4 persisted messages, got %d", len(messages))
	}
}

func TestRespond_InvalidRequest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{response: "unused"}, nil)

	_, err := env.orch.Respond(context.Background(), "user-1", chatReq("", ""))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if env.llm.chatCalls.Load() != 0 {
		t.Error("model should not be called for invalid requests")
	}
}

func TestRespond_SessionNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{response: "unused"}, nil)

	req := chatReq("hello", "1da9b573-03f0-4bb1-80a2-ec1df97ad213")
	_, err := env.orch.Respond(context.Background(), "user-1", req)
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRespond_DegradedRetrieval(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{response: "General answer without sources."}, &mockRetriever{
		err: retrieval.ErrRetrievalUnavailable,
	})

	resp, err := env.orch.Respond(context.Background(), "user-1", chatReq("What is an ETF?", ""))
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if len(resp.Sources) != 0 {
		t.Errorf("expected no sources on degraded turn, got %d", len(resp.Sources))
	}
	if resp.ResponseText == "" {
		t.Error("expected answer despite retrieval failure")
	}
}

func TestRespond_RetrievalOptOut(t *testing.T) {
	t.Parallel()
	ret := &mockRetriever{chunks: []retrieval.RetrievedChunk{{Content: "chunk", Score: 0.9}}}
	env := newTestEnv(t, &mockLLM{response: "answer"}, ret)

	disabled := false
	req := chatReq("hello there", "")
	req.UseRetrieval = &disabled

	resp, err := env.orch.Respond(context.Background(), "user-1", req)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if ret.calls.Load() != 0 {
		t.Error("retriever should not be consulted when disabled")
	}
	if len(resp.Sources) != 0 {
		t.Error("expected no sources when retrieval disabled")
	}
}

func TestRespond_ModelErrorNotCached(t *testing.T) {
	t.Parallel()
	model := &mockLLM{chatErr: llm.ErrModelUnavailable}
	env := newTestEnv(t, model, nil)
	ctx := context.Background()

	_, err := env.orch.Respond(ctx, "user-1", chatReq("flaky question", ""))
	if !errors.Is(err, llm.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}

	// Backend recovers; the failure must not have been cached.
	model.chatErr = nil
	model.response = "recovered answer"
	resp, err := env.orch.Respond(ctx, "user-1", chatReq("flaky question", ""))
	if err != nil {
		t.Fatalf("Respond() after recovery error = %v", err)
	}
	if resp.Cached {
		t.Error("recovered response should be a fresh compute")
	}
	if resp.ResponseText != "recovered answer" {
		t.Errorf("ResponseText = %q", resp.ResponseText)
	}
}

func TestStreamTurn_HappyPath(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{
		streamTokens: []string{"Budgeting ", "starts ", "with tracking."},
	}, &mockRetriever{
		chunks: []retrieval.RetrievedChunk{
			{Content: "Track spending first.", DocumentID: "doc-9", Source: "budgeting", Score: 0.88},
		},
	})

	var gotSessionID string
	var gotSources []datatypes.SourceInfo
	var tokens []string
	var order []string

	result, err := env.orch.StreamTurn(context.Background(), "user-1", chatReq("How do I budget?", ""), StreamCallbacks{
		OnSessionID: func(sessionID string) error {
			gotSessionID = sessionID
			order = append(order, "session")
			return nil
		},
		OnSources: func(sources []datatypes.SourceInfo) error {
			gotSources = sources
			order = append(order, "sources")
			return nil
		},
		OnToken: func(token string) error {
			tokens = append(tokens, token)
			order = append(order, "token")
			return nil
		},
	})
	if err != nil {
		t.Fatalf("StreamTurn() error = %v", err)
	}

	if result.ResponseText != "Budgeting starts with tracking." {
		t.Errorf("ResponseText = %q", result.ResponseText)
	}
	if len(tokens) != 3 {
		t.Errorf("expected 3 tokens, got %d", len(tokens))
	}
	if gotSessionID == "" || result.SessionID != gotSessionID {
		t.Error("session id mismatch between callback and result")
	}
	if len(gotSources) != 1 || gotSources[0].DocumentID != "doc-9" {
		t.Errorf("sources = %+v", gotSources)
	}
	if len(order) < 3 || order[0] != "session" || order[1] != "sources" {
		t.Errorf("callback order = %v", order)
	}
	if result.Truncated {
		t.Error("completed stream should not be truncated")
	}

	messages, _ := env.store.Recent(context.Background(), result.SessionID, 0)
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[1].Truncated {
		t.Error("completed assistant message should not be truncated")
	}
}

func TestStreamTurn_CacheHitReplays(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{streamTokens: []string{"Savings ", "matter."}}, nil)
	ctx := context.Background()

	first, err := env.orch.StreamTurn(ctx, "user-1", chatReq("Why save?", ""), StreamCallbacks{})
	if err != nil {
		t.Fatalf("first StreamTurn() error = %v", err)
	}
	if first.Cached {
		t.Error("first stream should be a miss")
	}

	var replayed strings.Builder
	second, err := env.orch.StreamTurn(ctx, "user-1", chatReq("Why save?", ""), StreamCallbacks{
		OnToken: func(token string) error {
			replayed.WriteString(token)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("second StreamTurn() error = %v", err)
	}
	if !second.Cached {
		t.Error("second stream should hit the cache")
	}
	if replayed.String() != "Savings matter." {
		t.Errorf("replayed text = %q", replayed.String())
	}
	if got := env.llm.streamCalls.Load(); got != 1 {
		t.Errorf("model streamed %d times, want 1", got)
	}
}

func TestStreamTurn_MidStreamFailurePersistsTruncated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{
		streamTokens:   []string{"First part ", "second part ", "never sent"},
		streamErrAfter: 2,
		streamErr:      llm.ErrModelUnavailable,
	}, nil)

	result, err := env.orch.StreamTurn(context.Background(), "user-1", chatReq("Tell me about bonds", ""), StreamCallbacks{})
	if !errors.Is(err, llm.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if result == nil {
		t.Fatal("expected partial result alongside error")
	}
	if !result.Truncated {
		t.Error("partial result should be flagged truncated")
	}
	if result.ResponseText != "First part second part " {
		t.Errorf("partial text = %q", result.ResponseText)
	}

	messages, _ := env.store.Recent(context.Background(), result.SessionID, 0)
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if !messages[1].Truncated {
		t.Error("persisted assistant message should be flagged truncated")
	}
}

func TestStreamTurn_ClientAbortBeforeTokens(t *testing.T) {
	t.Parallel()
	abortErr := errors.New("client went away")
	env := newTestEnv(t, &mockLLM{streamTokens: []string{"tok"}}, nil)

	result, err := env.orch.StreamTurn(context.Background(), "user-1", chatReq("hello", ""), StreamCallbacks{
		OnToken: func(token string) error { return abortErr },
	})
	if !errors.Is(err, abortErr) {
		t.Fatalf("expected abort error, got %v", err)
	}
	// One token reached the orchestrator before the abort, so a
	// truncated turn is persisted.
	if result == nil || !result.Truncated {
		t.Errorf("result = %+v, want truncated partial", result)
	}
}

func TestInvalidateForIngestion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{response: "sourced answer"}, &mockRetriever{
		chunks: []retrieval.RetrievedChunk{
			{Content: "fact", DocumentID: "doc-2", Source: "retirement-guide", Score: 0.9},
		},
	})
	ctx := context.Background()

	if _, err := env.orch.Respond(ctx, "user-1", chatReq("When can I retire?", "")); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	removed := env.orch.InvalidateForIngestion(&datatypes.IngestionSignal{Source: "retirement-guide"})
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	// Next identical question recomputes.
	resp, err := env.orch.Respond(ctx, "user-1", chatReq("When can I retire?", ""))
	if err != nil {
		t.Fatalf("Respond() after invalidation error = %v", err)
	}
	if resp.Cached {
		t.Error("response after invalidation should be a fresh compute")
	}
}

func TestRespond_OtherUsersSessionIsNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{response: "Start with an emergency fund."}, nil)
	ctx := context.Background()

	first, err := env.orch.Respond(ctx, "user-1", chatReq("Where do I start?", ""))
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	// A different user supplying the session id must not see or touch it.
	_, err = env.orch.Respond(ctx, "user-2", chatReq("What did I ask before?", first.SessionID))
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("Respond() with foreign session error = %v, want ErrSessionNotFound", err)
	}

	history, err := env.store.Recent(ctx, first.SessionID, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("foreign request leaked into session: %d messages, want 2", len(history))
	}
	for _, msg := range history {
		if strings.Contains(msg.Content, "What did I ask before?") {
			t.Fatalf("foreign message persisted: %q", msg.Content)
		}
	}
}

func TestStreamTurn_OtherUsersSessionIsNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &mockLLM{streamTokens: []string{"Save ", "early."}}, nil)
	ctx := context.Background()

	owner, err := env.orch.StreamTurn(ctx, "user-1", chatReq("How do I save?", ""), StreamCallbacks{})
	if err != nil {
		t.Fatalf("StreamTurn() error = %v", err)
	}

	_, err = env.orch.StreamTurn(ctx, "user-2", chatReq("Summarize my plan.", owner.SessionID), StreamCallbacks{})
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("StreamTurn() with foreign session error = %v, want ErrSessionNotFound", err)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
)

// ollamaFixture serves scripted NDJSON lines from a fake /api/chat
// endpoint and records the decoded request.
type ollamaFixture struct {
	t       *testing.T
	lines   []string
	gotBody map[string]any
	server  *httptest.Server
}

func newOllamaFixture(t *testing.T, lines ...string) *ollamaFixture {
	t.Helper()
	f := &ollamaFixture{t: t, lines: lines}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("request path = %s, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&f.gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range f.lines {
			fmt.Fprintln(w, line)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *ollamaFixture) client() *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    f.server.URL,
		model:      "llama3.1:8b",
	}
}

func coachQuestion(text string) []datatypes.Message {
	return []datatypes.Message{{Role: datatypes.RoleUser, Content: text}}
}

// collectTokens is a callback that accumulates token content.
func collectTokens(out *strings.Builder) StreamCallback {
	return func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			out.WriteString(event.Content)
		}
		return nil
	}
}

func TestOllamaChatStream_AssemblesTokens(t *testing.T) {
	t.Parallel()

	fixture := newOllamaFixture(t,
		`{"message":{"role":"assistant","content":"An emergency fund"},"done":false}`,
		`{"message":{"role":"assistant","content":" covers three to six"},"done":false}`,
		`{"message":{"role":"assistant","content":" months of expenses."},"done":false}`,
		`{"done":true}`,
	)

	var answer strings.Builder
	err := fixture.client().ChatStream(context.Background(),
		coachQuestion("How big should my emergency fund be?"),
		GenerationParams{}, collectTokens(&answer))
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if got := answer.String(); got != "An emergency fund covers three to six months of expenses." {
		t.Errorf("assembled answer = %q", got)
	}
	if fixture.gotBody["model"] != "llama3.1:8b" {
		t.Errorf("request model = %v, want llama3.1:8b", fixture.gotBody["model"])
	}
}

func TestOllamaChatStream_UpstreamFiveHundredIsModelUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, `{"error":"model is loading"}`)
	}))
	t.Cleanup(server.Close)

	client := &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    server.URL,
		model:      "llama3.1:8b",
	}

	var answer strings.Builder
	err := client.ChatStream(context.Background(),
		coachQuestion("What is dollar cost averaging?"),
		GenerationParams{}, collectTokens(&answer))
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("ChatStream() error = %v, want ErrModelUnavailable", err)
	}
}

func TestOllamaChatStream_DeadlineCutsStreamShort(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"Compound interest"},"done":false}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(500 * time.Millisecond)
		fmt.Fprintln(w, `{"message":{"content":" grows savings."},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	}))
	t.Cleanup(server.Close)

	client := &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    server.URL,
		model:      "llama3.1:8b",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var answer strings.Builder
	err := client.ChatStream(ctx, coachQuestion("Explain compound interest."),
		GenerationParams{}, collectTokens(&answer))
	if err == nil {
		t.Fatal("ChatStream() should fail when the deadline expires mid-stream")
	}
}

func TestOllamaChatStream_CallbackErrorStopsStream(t *testing.T) {
	t.Parallel()

	fixture := newOllamaFixture(t,
		`{"message":{"content":"Stocks"},"done":false}`,
		`{"message":{"content":" and"},"done":false}`,
		`{"message":{"content":" bonds"},"done":false}`,
		`{"done":true}`,
	)

	disconnect := errors.New("client went away")
	seen := 0
	err := fixture.client().ChatStream(context.Background(),
		coachQuestion("Stocks or bonds?"),
		GenerationParams{}, func(event StreamEvent) error {
			if event.Type != StreamEventToken {
				return nil
			}
			seen++
			if seen == 2 {
				return disconnect
			}
			return nil
		})
	if !errors.Is(err, disconnect) {
		t.Fatalf("ChatStream() error = %v, want the callback error", err)
	}
	if seen != 2 {
		t.Errorf("tokens before abort = %d, want 2", seen)
	}
}

func TestOllamaChatStream_SkipsGarbageAndBlankLines(t *testing.T) {
	t.Parallel()

	fixture := newOllamaFixture(t,
		`{"message":{"content":"Diversify"},"done":false}`,
		``,
		`{this line is not json}`,
		``,
		`{"message":{"content":" your portfolio."},"done":false}`,
		`{"done":true}`,
	)

	var answer strings.Builder
	err := fixture.client().ChatStream(context.Background(),
		coachQuestion("Why diversify?"),
		GenerationParams{}, collectTokens(&answer))
	if err != nil {
		t.Fatalf("ChatStream() error = %v, stream should survive bad lines", err)
	}
	if got := answer.String(); got != "Diversify your portfolio." {
		t.Errorf("assembled answer = %q", got)
	}
}

func TestOllamaChat_SingleDocumentResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"A Roth IRA is funded with after-tax dollars."},"done":true}`)
	}))
	t.Cleanup(server.Close)

	client := &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    server.URL,
		model:      "llama3.1:8b",
	}

	answer, err := client.Chat(context.Background(),
		coachQuestion("What is a Roth IRA?"), GenerationParams{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if answer != "A Roth IRA is funded with after-tax dollars." {
		t.Errorf("Chat() = %q", answer)
	}
}

package llm

import (
	"context"
	"errors"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("wealthcoach.llm")

// Sentinel errors for classifying LLM backend failures. Backends wrap
// these so callers can branch with errors.Is without inspecting text.
var (
	// ErrModelUnavailable indicates the backend could not be reached or
	// returned a transient server error. Safe to retry once.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrContentPolicy indicates the backend refused the request for
	// content policy reasons. Never retried.
	ErrContentPolicy = errors.New("content policy violation")

	// ErrTokenBudget indicates the request exceeded the backend's
	// context or completion token limits. Never retried.
	ErrTokenBudget = errors.New("token budget exceeded")
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType discriminates events delivered during streaming.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one unit of streamed output. Error is set only on
// StreamEventError events.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   error
}

// StreamCallback receives stream events in order. Returning a non-nil
// error aborts the stream; the backend must stop promptly and close its
// upstream connection.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any LLM backend.
//
// Implementations must honor context cancellation on both methods: a
// cancelled ctx stops generation and releases the upstream connection.
type LLMClient interface {
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}

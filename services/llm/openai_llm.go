package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// transientRetryDelay is the backoff before the single retry allowed on
// transient upstream failures.
const transientRetryDelay = 500 * time.Millisecond

type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL") // e.g., "gpt-4o"
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Model returns the configured model name for metrics labeling.
func (o *OpenAIClient) Model() string { return o.model }

func (o *OpenAIClient) buildRequest(messages []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	apiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		apiMessages = append(apiMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: apiMessages,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// classifyOpenAIError maps an upstream failure onto the client's sentinel
// errors so callers can branch with errors.Is.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusBadRequest &&
			strings.Contains(strings.ToLower(apiErr.Message), "content"):
			return fmt.Errorf("%w: %s", ErrContentPolicy, apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusBadRequest &&
			strings.Contains(strings.ToLower(apiErr.Message), "token"):
			return fmt.Errorf("%w: %s", ErrTokenBudget, apiErr.Message)
		case isRetryableStatusCode(apiErr.HTTPStatusCode):
			return fmt.Errorf("%w: upstream status %d", ErrModelUnavailable, apiErr.HTTPStatusCode)
		}
		return err
	}
	// Network-level failure: connection refused, DNS, reset.
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return err
}

// isRetryableStatusCode reports whether an upstream status is a transient
// failure worth one retry.
func isRetryableStatusCode(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

// Chat implements the LLMClient interface.
//
// Transient upstream failures are retried exactly once after a short
// backoff; policy and budget failures are returned immediately.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	req := o.buildRequest(messages, params)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		classified := classifyOpenAIError(err)
		if errors.Is(classified, ErrModelUnavailable) && ctx.Err() == nil {
			slog.Warn("OpenAI chat failed, retrying once", "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(transientRetryDelay):
			}
			resp, err = o.client.CreateChatCompletion(ctx, req)
			if err != nil {
				classified = classifyOpenAIError(err)
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("OpenAI API call failed", "error", err)
			return "", classified
		}
	}

	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements the LLMClient interface.
//
// Opens a streaming completion and forwards each delta to the callback.
// A transient failure to open the stream is retried once; once tokens
// have been delivered, failures are terminal for the turn.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	req := o.buildRequest(messages, params)
	req.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		classified := classifyOpenAIError(err)
		if errors.Is(classified, ErrModelUnavailable) && ctx.Err() == nil {
			slog.Warn("OpenAI stream open failed, retrying once", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(transientRetryDelay):
			}
			stream, err = o.client.CreateChatCompletionStream(ctx, req)
			if err != nil {
				classified = classifyOpenAIError(err)
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("OpenAI stream open failed", "error", err)
			return classified
		}
	}
	defer stream.Close()

	tokenCount := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Mid-stream failure is terminal; no retry after tokens flowed.
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		tokenCount++
		if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: delta}); cbErr != nil {
			return cbErr
		}
	}

	span.SetAttributes(attribute.Int("llm.stream_tokens", tokenCount))
	slog.Debug("OpenAI stream complete", "tokens", tokenCount)
	return nil
}

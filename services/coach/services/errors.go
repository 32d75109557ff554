// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services implements the chat pipeline: profile lookup,
// prompt assembly, and the turn orchestrator.
package services

import (
	"context"
	"errors"
	"net/http"

	"github.com/AleutianAI/WealthCoach/services/coach/retrieval"
	"github.com/AleutianAI/WealthCoach/services/coach/store"
	"github.com/AleutianAI/WealthCoach/services/llm"
)

// ErrRequestTimeout indicates a non-streaming turn exceeded the
// request deadline before the model finished.
var ErrRequestTimeout = errors.New("request timed out")

// ErrInvalidRequest indicates the request failed validation.
var ErrInvalidRequest = errors.New("invalid request")

// ErrorCode is the stable machine-readable code returned to clients in
// error envelopes. Codes never change once shipped; clients key retry
// and display behavior off them.
type ErrorCode string

const (
	CodeModelUnavailable     ErrorCode = "model_unavailable"
	CodeContentPolicy        ErrorCode = "content_policy"
	CodeTokenBudget          ErrorCode = "token_budget"
	CodeRetrievalUnavailable ErrorCode = "retrieval_unavailable"
	CodeRequestTimeout       ErrorCode = "request_timeout"
	CodeSessionNotFound      ErrorCode = "session_not_found"
	CodeInvalidRequest       ErrorCode = "invalid_request"
	CodeRateLimited          ErrorCode = "rate_limited"
	CodeInternal             ErrorCode = "internal_error"
)

// ClassifyError maps a pipeline error to its stable code and the HTTP
// status the gateway should answer with.
func ClassifyError(err error) (ErrorCode, int) {
	switch {
	case errors.Is(err, llm.ErrModelUnavailable):
		return CodeModelUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, llm.ErrContentPolicy):
		return CodeContentPolicy, http.StatusUnprocessableEntity
	case errors.Is(err, llm.ErrTokenBudget):
		return CodeTokenBudget, http.StatusRequestEntityTooLarge
	case errors.Is(err, retrieval.ErrRetrievalUnavailable):
		return CodeRetrievalUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeRequestTimeout, http.StatusGatewayTimeout
	case errors.Is(err, store.ErrSessionNotFound):
		return CodeSessionNotFound, http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest, http.StatusBadRequest
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// ClientMessage returns a safe human-readable message for a code.
//
// Raw error text can leak backend hostnames and internals, so clients
// only ever see these fixed strings. Details go to the server log
// under the correlation id.
func ClientMessage(code ErrorCode) string {
	switch code {
	case CodeModelUnavailable:
		return "The model is temporarily unavailable. Please try again shortly."
	case CodeContentPolicy:
		return "The request was declined by the content policy."
	case CodeTokenBudget:
		return "The conversation is too long to process. Start a new session or shorten the message."
	case CodeRetrievalUnavailable:
		return "Knowledge retrieval is temporarily unavailable."
	case CodeRequestTimeout:
		return "The request timed out. Please try again."
	case CodeSessionNotFound:
		return "The requested session does not exist."
	case CodeInvalidRequest:
		return "The request is invalid."
	case CodeRateLimited:
		return "Too many requests. Please slow down."
	default:
		return "An internal error occurred."
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/AleutianAI/WealthCoach/services/coach/middleware"
	"github.com/AleutianAI/WealthCoach/services/coach/observability"
	"github.com/AleutianAI/WealthCoach/services/coach/services"
	"github.com/gin-gonic/gin"
)

// keepAliveInterval is how often the heartbeat goroutine emits a
// comment line while the model is thinking.
const keepAliveInterval = 15 * time.Second

// ChatStream handles POST /v1/chat/stream, the SSE chat endpoint.
//
// # Description
//
// Event order on the wire: status, session_id, sources (when
// retrieval produced any), token..., done. Failures emit an error
// event followed by done. A heartbeat goroutine writes keepalive
// comments every 15 seconds so idle proxies keep the connection open
// during slow generations.
func ChatStream(orch *services.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.EnsureDefaults()
		userID := middleware.UserID(c)

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		metrics := observability.DefaultMetrics
		if metrics != nil {
			metrics.StreamStarted(observability.EndpointStream)
		}
		started := time.Now()

		// Heartbeat until the turn finishes.
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(keepAliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := writer.WriteKeepAlive(); err != nil {
						return
					}
					if metrics != nil {
						metrics.RecordKeepAlive(observability.EndpointStream)
					}
				}
			}
		}()

		if err := writer.WriteStatus("Processing your question..."); err != nil {
			close(done)
			if metrics != nil {
				metrics.StreamEnded(observability.EndpointStream)
				metrics.RecordClientDisconnect(observability.EndpointStream)
			}
			return
		}

		var firstToken time.Time
		result, turnErr := orch.StreamTurn(c.Request.Context(), userID, &req, services.StreamCallbacks{
			OnSessionID: func(sessionID string) error {
				return writer.WriteSessionID(sessionID)
			},
			OnSources: func(sources []datatypes.SourceInfo) error {
				return writer.WriteSources(sources)
			},
			OnToken: func(token string) error {
				if firstToken.IsZero() {
					firstToken = time.Now()
					if metrics != nil {
						metrics.RecordTimeToFirstToken(observability.EndpointStream, firstToken.Sub(started).Seconds())
					}
				}
				return writer.WriteToken(token)
			},
		})
		close(done)

		success := turnErr == nil
		if turnErr != nil {
			code, _ := services.ClassifyError(turnErr)
			slog.Error("Streaming turn failed",
				"correlationId", req.RequestID, "code", code, "error", turnErr)
			if metrics != nil {
				metrics.RecordError(observability.EndpointStream, streamErrorCode(code))
			}
			// The raw error may name internal hosts; clients get the
			// fixed message for the code.
			if err := writer.WriteError(services.ClientMessage(code)); err == nil {
				sessionID := req.SessionID
				truncated := false
				if result != nil {
					sessionID = result.SessionID
					truncated = result.Truncated
				}
				writer.WriteDone(sessionID, false, truncated)
			}
		} else {
			writer.WriteDone(result.SessionID, result.Cached, result.Truncated)
		}

		if metrics != nil {
			metrics.StreamEnded(observability.EndpointStream)
			metrics.RecordStreamDuration(observability.EndpointStream, time.Since(started).Seconds(), success)
			metrics.RecordRequest(observability.EndpointStream, success)
		}
	}
}

// streamErrorCode maps pipeline error codes to metric labels.
func streamErrorCode(code services.ErrorCode) observability.ErrorCode {
	switch code {
	case services.CodeModelUnavailable:
		return observability.ErrorCodeModel
	case services.CodeContentPolicy:
		return observability.ErrorCodeContentPolicy
	case services.CodeTokenBudget:
		return observability.ErrorCodeTokenBudget
	case services.CodeRetrievalUnavailable:
		return observability.ErrorCodeRetrieval
	case services.CodeRequestTimeout:
		return observability.ErrorCodeTimeout
	case services.CodeInvalidRequest:
		return observability.ErrorCodeValidation
	default:
		return observability.ErrorCodeInternal
	}
}

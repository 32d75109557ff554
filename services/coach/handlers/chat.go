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

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/AleutianAI/WealthCoach/services/coach/middleware"
	"github.com/AleutianAI/WealthCoach/services/coach/observability"
	"github.com/AleutianAI/WealthCoach/services/coach/services"
	"github.com/gin-gonic/gin"
)

// errorEnvelope is the stable error shape returned on every failed
// request. The correlation id matches the server log entry for the
// failure.
type errorEnvelope struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// writeError answers with the envelope for a pipeline error and logs
// the raw cause under the correlation id.
func writeError(c *gin.Context, requestID string, err error) {
	code, status := services.ClassifyError(err)
	slog.Error("Request failed", "correlationId", requestID, "code", code, "error", err)
	c.JSON(status, errorEnvelope{
		Error:         services.ClientMessage(code),
		Code:          string(code),
		CorrelationID: requestID,
	})
}

// ChatMessage handles POST /v1/chat/message, the single-shot chat
// endpoint. The full answer is returned in one JSON response.
func ChatMessage(orch *services.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.EnsureDefaults()

		userID := middleware.UserID(c)
		slog.Info("Chat message received", "requestId", req.RequestID, "userId", userID)

		resp, err := orch.Respond(c.Request.Context(), userID, &req)
		if err != nil {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordRequest(observability.EndpointMessage, false)
			}
			writeError(c, req.RequestID, err)
			return
		}

		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(observability.EndpointMessage, true)
		}
		c.JSON(http.StatusOK, resp)
	}
}

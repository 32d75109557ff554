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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/AleutianAI/WealthCoach/services/coach/middleware"
	"github.com/AleutianAI/WealthCoach/services/coach/store"
	"github.com/gin-gonic/gin"
)

// ListSessions handles GET /v1/sessions. Sessions belong to the
// authenticated user; summaries carry a preview of the first user
// message.
func ListSessions(conversations store.ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		slog.Info("Listing sessions", "userId", userID)

		summaries, err := conversations.ListSessions(c.Request.Context(), userID)
		if err != nil {
			slog.Error("Failed to list sessions", "userId", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": summaries})
	}
}

// SessionMessages handles GET /v1/sessions/:sessionId/messages with
// skip/limit pagination. Reading another user's session yields 404,
// not 403, so session ids are not probeable.
func SessionMessages(conversations store.ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		userID := middleware.UserID(c)

		skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

		session, err := conversations.GetSession(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			slog.Error("Failed to load session", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		if session.UserID != userID {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		page, err := conversations.Page(c.Request.Context(), sessionID, skip, limit)
		if err != nil {
			slog.Error("Failed to page messages", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

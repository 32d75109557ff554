// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/WealthCoach/pkg/extensions"
	"github.com/AleutianAI/WealthCoach/services/coach/handlers"
	"github.com/AleutianAI/WealthCoach/services/coach/middleware"
	"github.com/AleutianAI/WealthCoach/services/coach/observability"
	"github.com/AleutianAI/WealthCoach/services/coach/services"
	"github.com/AleutianAI/WealthCoach/services/coach/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps carries everything the route tree needs.
type Deps struct {
	Orchestrator *services.Orchestrator
	Store        store.ConversationStore
	Auth         extensions.AuthProvider
	RateLimiter  *middleware.RateLimiter
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.Health())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.Auth))
	{
		chat := v1.Group("/chat")
		{
			chat.POST("/message",
				deps.RateLimiter.Middleware(observability.EndpointMessage),
				handlers.ChatMessage(deps.Orchestrator))
			chat.POST("/stream",
				deps.RateLimiter.Middleware(observability.EndpointStream),
				handlers.ChatStream(deps.Orchestrator))
		}
		// Websocket auth happens in-band via the auth frame, and the
		// per-connection cap replaces per-request rate limiting.
		router.GET("/v1/chat/ws", handlers.ChatWebSocket(deps.Orchestrator, deps.Auth))

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(deps.Store))
			sessions.GET("/:sessionId/messages", handlers.SessionMessages(deps.Store))
		}

		v1.POST("/ingestion/signal", handlers.IngestionSignal(deps.Orchestrator))
	}
}

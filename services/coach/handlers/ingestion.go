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
	"github.com/AleutianAI/WealthCoach/services/coach/services"
	"github.com/gin-gonic/gin"
)

// IngestionSignal handles POST /v1/ingestion/signal.
//
// The ingestion pipeline calls this after re-ingesting a source so
// cached answers derived from stale chunks stop being served.
func IngestionSignal(orch *services.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var signal datatypes.IngestionSignal
		if err := c.ShouldBindJSON(&signal); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := signal.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source is required"})
			return
		}

		removed := orch.InvalidateForIngestion(&signal)
		slog.Info("Ingestion signal processed", "source", signal.Source, "removed", removed)
		c.JSON(http.StatusOK, gin.H{
			"status":              "ok",
			"invalidated_entries": removed,
		})
	}
}

// Health handles GET /health for load balancer probes.
func Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

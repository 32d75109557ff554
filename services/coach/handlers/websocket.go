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
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/WealthCoach/pkg/extensions"
	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/AleutianAI/WealthCoach/services/coach/observability"
	"github.com/AleutianAI/WealthCoach/services/coach/services"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Websocket connection policy.
const (
	// wsAuthTimeout is how long a fresh connection has to present its
	// auth frame before it is closed.
	wsAuthTimeout = 30 * time.Second

	// wsMaxConnsPerUser caps simultaneous websocket connections per
	// user.
	wsMaxConnsPerUser = 3

	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsInbound is a frame received from the client.
type wsInbound struct {
	Type         string `json:"type"`
	Token        string `json:"token,omitempty"`
	Message      string `json:"message,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	UseRetrieval *bool  `json:"use_retrieval,omitempty"`
}

// wsOutbound is a frame sent to the client.
type wsOutbound struct {
	Type      string                 `json:"type"`
	Content   string                 `json:"content,omitempty"`
	Error     string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Sources   []datatypes.SourceInfo `json:"sources,omitempty"`
	Cached    bool                   `json:"cached,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
}

func isAuthFrame(frameType string) bool {
	return frameType == "authenticate" || frameType == "auth"
}

// wsConnTracker counts open connections per user.
type wsConnTracker struct {
	mu    sync.Mutex
	conns map[string]int
}

var connTracker = wsConnTracker{conns: make(map[string]int)}

// acquire reserves a connection slot, failing when the user is at the
// cap.
func (t *wsConnTracker) acquire(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[userID] >= wsMaxConnsPerUser {
		return false
	}
	t.conns[userID]++
	return true
}

func (t *wsConnTracker) release(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[userID] <= 1 {
		delete(t.conns, userID)
	} else {
		t.conns[userID]--
	}
}

// wsConn serializes writes to one websocket connection. gorilla
// permits at most one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) sendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.ws.Close()
}

// ChatWebSocket handles GET /v1/chat/ws.
//
// # Description
//
// The connection must authenticate before anything else: the first
// frame is {"type":"authenticate","token":"..."} and the server closes
// with policy violation (1008) if it does not arrive, or does not
// validate, within 30 seconds. After auth the server answers
// {"type":"connected"} and accepts message frames, streaming each turn
// back as session_id, sources, token..., done frames. A user may hold
// at most three concurrent connections.
func ChatWebSocket(orch *services.Orchestrator, auth extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade websocket", "error", err)
			return
		}
		conn := &wsConn{ws: ws}
		slog.Info("Websocket client connected")

		// Auth frame first. "auth" is accepted as a legacy alias for
		// "authenticate".
		ws.SetReadDeadline(time.Now().Add(wsAuthTimeout))
		var authFrame wsInbound
		if err := ws.ReadJSON(&authFrame); err != nil || !isAuthFrame(authFrame.Type) {
			conn.close(websocket.ClosePolicyViolation, "authentication required")
			return
		}
		authInfo, err := auth.Validate(c.Request.Context(), authFrame.Token)
		if err != nil {
			conn.close(websocket.ClosePolicyViolation, "authentication failed")
			return
		}
		userID := authInfo.UserID

		if !connTracker.acquire(userID) {
			conn.close(websocket.ClosePolicyViolation, "too many connections")
			return
		}
		defer connTracker.release(userID)
		defer ws.Close()

		if err := conn.sendJSON(wsOutbound{Type: "connected"}); err != nil {
			return
		}

		metrics := observability.DefaultMetrics
		if metrics != nil {
			metrics.StreamStarted(observability.EndpointWebsocket)
			defer metrics.StreamEnded(observability.EndpointWebsocket)
		}

		// Ping loop keeps the connection alive and detects dead peers.
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			ticker := time.NewTicker(wsPingPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					conn.mu.Lock()
					err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
					conn.mu.Unlock()
					if err != nil {
						return
					}
				}
			}
		}()

		for {
			var frame wsInbound
			if err := ws.ReadJSON(&frame); err != nil {
				slog.Info("Websocket client disconnected", "userId", userID, "error", err.Error())
				if metrics != nil {
					metrics.RecordClientDisconnect(observability.EndpointWebsocket)
				}
				return
			}
			ws.SetReadDeadline(time.Now().Add(wsPongWait))

			switch frame.Type {
			case "ping":
				conn.sendJSON(wsOutbound{Type: "pong"})
			case "message":
				runWebSocketTurn(c.Request.Context(), orch, conn, userID, frame)
			default:
				conn.sendJSON(wsOutbound{Type: "error", Error: "unknown frame type"})
			}
		}
	}
}

// runWebSocketTurn streams one chat turn over the connection.
func runWebSocketTurn(ctx context.Context, orch *services.Orchestrator, conn *wsConn, userID string, frame wsInbound) {
	req := &datatypes.ChatRequest{
		Message:      frame.Message,
		SessionID:    frame.SessionID,
		UseRetrieval: frame.UseRetrieval,
	}
	req.EnsureDefaults()

	result, err := orch.StreamTurn(ctx, userID, req, services.StreamCallbacks{
		OnSessionID: func(sessionID string) error {
			return conn.sendJSON(wsOutbound{Type: "session_id", SessionID: sessionID})
		},
		OnSources: func(sources []datatypes.SourceInfo) error {
			return conn.sendJSON(wsOutbound{Type: "sources", Sources: sources})
		},
		OnToken: func(token string) error {
			return conn.sendJSON(wsOutbound{Type: "token", Content: token})
		},
	})
	if err != nil {
		code, _ := services.ClassifyError(err)
		slog.Error("Websocket turn failed", "requestId", req.RequestID, "code", code, "error", err)
		if metrics := observability.DefaultMetrics; metrics != nil {
			metrics.RecordError(observability.EndpointWebsocket, streamErrorCode(code))
			metrics.RecordRequest(observability.EndpointWebsocket, false)
		}
		conn.sendJSON(wsOutbound{Type: "error", Error: services.ClientMessage(code)})
		if result != nil {
			conn.sendJSON(wsOutbound{Type: "done", SessionID: result.SessionID, Truncated: result.Truncated})
		}
		return
	}

	if metrics := observability.DefaultMetrics; metrics != nil {
		metrics.RecordRequest(observability.EndpointWebsocket, true)
	}
	conn.sendJSON(wsOutbound{
		Type:      "done",
		SessionID: result.SessionID,
		Cached:    result.Cached,
		Truncated: result.Truncated,
	})
}

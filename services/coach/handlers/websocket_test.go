// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/WealthCoach/pkg/extensions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// wsStubAuth validates any token except "expired", scoping each test to
// its own user id so the shared connection tracker cannot bleed state
// between tests.
type wsStubAuth struct {
	userID string
}

func (a *wsStubAuth) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if token == "expired" {
		return nil, extensions.ErrUnauthorized
	}
	return &extensions.AuthInfo{UserID: a.userID}, nil
}

// startWebSocketServer serves the websocket handler and returns a
// ws:// URL for dialing.
func startWebSocketServer(t *testing.T, mock *handlerMockLLM, userID string) string {
	t.Helper()
	orch := newTestOrchestrator(t, mock, nil)

	router := gin.New()
	router.GET("/v1/chat/ws", ChatWebSocket(orch, &wsStubAuth{userID: userID}))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/chat/ws"
}

func dialWebSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestChatWebSocket_AuthenticateHandshake(t *testing.T) {
	url := startWebSocketServer(t, &handlerMockLLM{Response: "Index funds track a market index."}, "ws-user-handshake")
	ws := dialWebSocket(t, url)

	if err := ws.WriteJSON(wsInbound{Type: "authenticate", Token: "valid"}); err != nil {
		t.Fatalf("WriteJSON(authenticate) error = %v", err)
	}
	var ack wsOutbound
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("ReadJSON(ack) error = %v", err)
	}
	if ack.Type != "connected" {
		t.Fatalf("expected connected ack, got %q", ack.Type)
	}
}

func TestChatWebSocket_LegacyAuthFrameStillAccepted(t *testing.T) {
	url := startWebSocketServer(t, &handlerMockLLM{Response: "ok"}, "ws-user-legacy")
	ws := dialWebSocket(t, url)

	if err := ws.WriteJSON(wsInbound{Type: "auth", Token: "valid"}); err != nil {
		t.Fatalf("WriteJSON(auth) error = %v", err)
	}
	var ack wsOutbound
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("ReadJSON(ack) error = %v", err)
	}
	if ack.Type != "connected" {
		t.Fatalf("expected connected ack, got %q", ack.Type)
	}
}

func TestChatWebSocket_NonAuthFirstFrameClosesConnection(t *testing.T) {
	url := startWebSocketServer(t, &handlerMockLLM{Response: "ok"}, "ws-user-noauth")
	ws := dialWebSocket(t, url)

	if err := ws.WriteJSON(wsInbound{Type: "message", Message: "hello"}); err != nil {
		t.Fatalf("WriteJSON(message) error = %v", err)
	}
	var frame wsOutbound
	err := ws.ReadJSON(&frame)
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close 1008, got frame=%+v err=%v", frame, err)
	}
}

func TestChatWebSocket_RejectedTokenClosesConnection(t *testing.T) {
	url := startWebSocketServer(t, &handlerMockLLM{Response: "ok"}, "ws-user-rejected")
	ws := dialWebSocket(t, url)

	if err := ws.WriteJSON(wsInbound{Type: "authenticate", Token: "expired"}); err != nil {
		t.Fatalf("WriteJSON(authenticate) error = %v", err)
	}
	var frame wsOutbound
	err := ws.ReadJSON(&frame)
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close 1008, got frame=%+v err=%v", frame, err)
	}
}

func TestChatWebSocket_MessageTurnStreamsFrames(t *testing.T) {
	url := startWebSocketServer(t, &handlerMockLLM{Response: "Pay off high interest debt first."}, "ws-user-turn")
	ws := dialWebSocket(t, url)

	if err := ws.WriteJSON(wsInbound{Type: "authenticate", Token: "valid"}); err != nil {
		t.Fatalf("WriteJSON(authenticate) error = %v", err)
	}
	var ack wsOutbound
	if err := ws.ReadJSON(&ack); err != nil || ack.Type != "connected" {
		t.Fatalf("handshake failed: frame=%+v err=%v", ack, err)
	}

	if err := ws.WriteJSON(wsInbound{Type: "message", Message: "Should I pay off debt or invest?"}); err != nil {
		t.Fatalf("WriteJSON(message) error = %v", err)
	}

	var sessionID string
	var text strings.Builder
	for {
		var frame wsOutbound
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		switch frame.Type {
		case "session_id":
			sessionID = frame.SessionID
		case "token":
			text.WriteString(frame.Content)
		case "done":
			if frame.SessionID != sessionID {
				t.Errorf("done session id %q does not match announced %q", frame.SessionID, sessionID)
			}
			if got := text.String(); got != "Pay off high interest debt first." {
				t.Errorf("streamed text = %q", got)
			}
			return
		case "error":
			t.Fatalf("unexpected error frame: %s", frame.Error)
		default:
			t.Fatalf("unexpected frame type %q", frame.Type)
		}
	}
}

func TestChatWebSocket_ConnectionCapPerUser(t *testing.T) {
	url := startWebSocketServer(t, &handlerMockLLM{Response: "ok"}, "ws-user-cap")

	for i := 0; i < wsMaxConnsPerUser; i++ {
		ws := dialWebSocket(t, url)
		if err := ws.WriteJSON(wsInbound{Type: "authenticate", Token: fmt.Sprintf("conn-%d", i)}); err != nil {
			t.Fatalf("WriteJSON(authenticate) error = %v", err)
		}
		var ack wsOutbound
		if err := ws.ReadJSON(&ack); err != nil || ack.Type != "connected" {
			t.Fatalf("connection %d handshake failed: frame=%+v err=%v", i, ack, err)
		}
	}

	extra := dialWebSocket(t, url)
	if err := extra.WriteJSON(wsInbound{Type: "authenticate", Token: "one-too-many"}); err != nil {
		t.Fatalf("WriteJSON(authenticate) error = %v", err)
	}
	var frame wsOutbound
	err := extra.ReadJSON(&frame)
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close 1008 for fourth connection, got frame=%+v err=%v", frame, err)
	}
}

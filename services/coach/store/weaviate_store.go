// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("wealthcoach.store")

const (
	chatSessionClass = "ChatSession"
	chatMessageClass = "ChatMessage"
)

// WeaviateStore is a ConversationStore backed by the ChatSession and
// ChatMessage classes.
//
// # Description
//
// Sessions and messages are plain (non-vectorized) objects queried by
// GraphQL with created_at ordering. Appends to the same session are
// serialized with a per-session mutex so concurrent writers cannot
// interleave history.
type WeaviateStore struct {
	client *weaviate.Client

	mu          sync.Mutex
	sessionLock map[string]*sync.Mutex
	lastStamp   map[string]int64
}

var _ ConversationStore = (*WeaviateStore)(nil)

// NewWeaviateStore creates a store over the given client. The schema
// must already exist (see datatypes.EnsureWeaviateSchema).
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{
		client:      client,
		sessionLock: make(map[string]*sync.Mutex),
		lastStamp:   make(map[string]int64),
	}
}

// nextStamp returns a created_at stamp strictly greater than any stamp
// this process has issued for the session. Appends in the same
// millisecond would otherwise tie under created_at ordering.
func (s *WeaviateStore) nextStamp(sessionID string, now int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last := s.lastStamp[sessionID]; now <= last {
		now = last + 1
	}
	s.lastStamp[sessionID] = now
	return now
}

// lockFor returns the mutex serializing appends to one session.
func (s *WeaviateStore) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.sessionLock[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.sessionLock[sessionID] = lock
	}
	return lock
}

func sessionFilter(sessionID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)
}

func (s *WeaviateStore) CreateSession(ctx context.Context, userID string) (*datatypes.Session, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.CreateSession")
	defer span.End()

	now := time.Now().UnixMilli()
	session := &datatypes.Session{
		SessionID: uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	properties := map[string]interface{}{
		"session_id": session.SessionID,
		"user_id":    session.UserID,
		"created_at": now,
		"updated_at": now,
	}

	_, err := s.client.Data().Creator().
		WithClassName(chatSessionClass).
		WithProperties(properties).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create session object: %w", err)
	}

	slog.Info("Created chat session", "sessionId", session.SessionID, "userId", userID)
	return session, nil
}

// getSessionResult fetches the raw session object, including its
// Weaviate object id for later updates.
func (s *WeaviateStore) getSessionResult(ctx context.Context, sessionID string) (*datatypes.ChatSessionResult, error) {
	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "user_id"},
		{Name: "created_at"},
		{Name: "updated_at"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(chatSessionClass).
		WithFields(fields...).
		WithWhere(sessionFilter(sessionID)).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatSessionQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session query: %w", err)
	}
	if len(parsed.Get.ChatSession) == 0 {
		return nil, ErrSessionNotFound
	}
	return &parsed.Get.ChatSession[0], nil
}

func (s *WeaviateStore) GetSession(ctx context.Context, sessionID string) (*datatypes.Session, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.GetSession")
	defer span.End()

	res, err := s.getSessionResult(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &datatypes.Session{
		SessionID: res.SessionID,
		UserID:    res.UserID,
		CreatedAt: res.CreatedAt,
		UpdatedAt: res.UpdatedAt,
	}, nil
}

func (s *WeaviateStore) Append(ctx context.Context, sessionID string, msg datatypes.Message, truncated bool) (*datatypes.StoredMessage, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Append")
	defer span.End()
	span.SetAttributes(attribute.String("chat.role", msg.Role))

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.getSessionResult(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	stored := datatypes.NewStoredMessage(sessionID, msg.Role, msg.Content)
	stored.Truncated = truncated
	stored.CreatedAt = s.nextStamp(sessionID, stored.CreatedAt)

	properties := map[string]interface{}{
		"message_id": stored.MessageID,
		"session_id": stored.SessionID,
		"role":       stored.Role,
		"content":    stored.Content,
		"truncated":  stored.Truncated,
		"created_at": stored.CreatedAt,
	}

	_, err = s.client.Data().Creator().
		WithClassName(chatMessageClass).
		WithProperties(properties).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	// Bump updated_at with a merge so created_at and user_id survive.
	err = s.client.Data().Updater().
		WithClassName(chatSessionClass).
		WithID(session.Additional.ID).
		WithProperties(map[string]interface{}{
			"updated_at": stored.CreatedAt,
		}).
		WithMerge().
		Do(ctx)
	if err != nil {
		// The message is already durable; a stale timestamp only
		// affects session ordering.
		slog.Warn("Failed to bump session updated_at", "sessionId", sessionID, "error", err)
	}

	return &stored, nil
}

// queryMessages loads messages for a session ordered by created_at.
func (s *WeaviateStore) queryMessages(ctx context.Context, sessionID string, order graphql.SortOrder, limit, offset int) ([]datatypes.ChatMessageResult, error) {
	fields := []graphql.Field{
		{Name: "message_id"},
		{Name: "session_id"},
		{Name: "role"},
		{Name: "content"},
		{Name: "truncated"},
		{Name: "created_at"},
	}
	sortByCreated := graphql.Sort{Path: []string{"created_at"}, Order: order}

	getter := s.client.GraphQL().Get().
		WithClassName(chatMessageClass).
		WithFields(fields...).
		WithWhere(sessionFilter(sessionID)).
		WithSort(sortByCreated).
		WithLimit(limit)
	if offset > 0 {
		getter = getter.WithOffset(offset)
	}

	result, err := getter.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatMessageQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message query: %w", err)
	}
	return parsed.Get.ChatMessage, nil
}

func toStoredMessages(results []datatypes.ChatMessageResult) []datatypes.StoredMessage {
	out := make([]datatypes.StoredMessage, 0, len(results))
	for _, res := range results {
		out = append(out, datatypes.StoredMessage{
			MessageID: res.MessageID,
			SessionID: res.SessionID,
			Role:      res.Role,
			Content:   res.Content,
			Truncated: res.Truncated,
			CreatedAt: res.CreatedAt,
		})
	}
	return out
}

func (s *WeaviateStore) Recent(ctx context.Context, sessionID string, n int) ([]datatypes.StoredMessage, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Recent")
	defer span.End()

	if _, err := s.getSessionResult(ctx, sessionID); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = datatypes.MaxHistoryWindow
	}

	// Fetch newest-first, then reverse into chronological order.
	results, err := s.queryMessages(ctx, sessionID, graphql.Desc, n, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	messages := toStoredMessages(results)
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// countMessages returns the total message count for a session.
func (s *WeaviateStore) countMessages(ctx context.Context, sessionID string) (int, error) {
	result, err := s.client.GraphQL().Aggregate().
		WithClassName(chatMessageClass).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		WithWhere(sessionFilter(sessionID)).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.AggregateCountResponse](result)
	if err != nil {
		return 0, fmt.Errorf("failed to parse message count: %w", err)
	}
	if len(parsed.Aggregate.ChatMessage) == 0 {
		return 0, nil
	}
	return parsed.Aggregate.ChatMessage[0].Meta.Count, nil
}

func (s *WeaviateStore) Page(ctx context.Context, sessionID string, skip, limit int) (*datatypes.MessagePage, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Page")
	defer span.End()

	skip, limit = clampPage(skip, limit)

	if _, err := s.getSessionResult(ctx, sessionID); err != nil {
		return nil, err
	}

	total, err := s.countMessages(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var messages []datatypes.StoredMessage
	if skip < total {
		results, err := s.queryMessages(ctx, sessionID, graphql.Asc, limit, skip)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		messages = toStoredMessages(results)
	}

	return &datatypes.MessagePage{
		SessionID: sessionID,
		Messages:  messages,
		Total:     total,
		Skip:      skip,
		Limit:     limit,
		HasMore:   skip+limit < total,
	}, nil
}

func (s *WeaviateStore) ListSessions(ctx context.Context, userID string) ([]datatypes.SessionSummary, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.ListSessions")
	defer span.End()

	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "user_id"},
		{Name: "created_at"},
		{Name: "updated_at"},
	}
	userFilter := filters.Where().
		WithPath([]string{"user_id"}).
		WithOperator(filters.Equal).
		WithValueString(userID)
	sortByUpdated := graphql.Sort{Path: []string{"updated_at"}, Order: graphql.Desc}

	result, err := s.client.GraphQL().Get().
		WithClassName(chatSessionClass).
		WithFields(fields...).
		WithWhere(userFilter).
		WithSort(sortByUpdated).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatSessionQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to parse session list: %w", err)
	}

	summaries := make([]datatypes.SessionSummary, 0, len(parsed.Get.ChatSession))
	for _, res := range parsed.Get.ChatSession {
		summary := datatypes.SessionSummary{
			SessionID: res.SessionID,
			CreatedAt: res.CreatedAt,
			UpdatedAt: res.UpdatedAt,
		}

		count, err := s.countMessages(ctx, res.SessionID)
		if err != nil {
			slog.Warn("Failed to count session messages", "sessionId", res.SessionID, "error", err)
		}
		summary.MessageCount = count

		// Preview comes from the first user message.
		first, err := s.queryMessages(ctx, res.SessionID, graphql.Asc, datatypes.MaxHistoryWindow, 0)
		if err == nil {
			for _, msg := range first {
				if msg.Role == datatypes.RoleUser {
					summary.Preview = previewFrom(msg.Content)
					break
				}
			}
		}

		summaries = append(summaries, summary)
	}
	return summaries, nil
}

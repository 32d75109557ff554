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
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/google/uuid"
)

// MemoryStore is an in-process ConversationStore.
//
// Used in lightweight mode (no Weaviate configured) and in tests.
// History is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*datatypes.Session
	messages map[string][]datatypes.StoredMessage
}

var _ ConversationStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*datatypes.Session),
		messages: make(map[string][]datatypes.StoredMessage),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, userID string) (*datatypes.Session, error) {
	now := time.Now().UnixMilli()
	session := &datatypes.Session{
		SessionID: uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session

	copied := *session
	return &copied, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*datatypes.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, msg datatypes.Message, truncated bool) (*datatypes.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	stored := datatypes.NewStoredMessage(sessionID, msg.Role, msg.Content)
	stored.Truncated = truncated
	// Back-to-back appends can land in the same millisecond; bump the
	// stamp so per-session ordering stays strictly increasing.
	if history := s.messages[sessionID]; len(history) > 0 {
		if last := history[len(history)-1].CreatedAt; stored.CreatedAt <= last {
			stored.CreatedAt = last + 1
		}
	}
	s.messages[sessionID] = append(s.messages[sessionID], stored)
	session.UpdatedAt = stored.CreatedAt

	return &stored, nil
}

func (s *MemoryStore) Recent(ctx context.Context, sessionID string, n int) ([]datatypes.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	history := s.messages[sessionID]
	if n <= 0 || n > len(history) {
		n = len(history)
	}
	window := history[len(history)-n:]

	out := make([]datatypes.StoredMessage, len(window))
	copy(out, window)
	return out, nil
}

func (s *MemoryStore) Page(ctx context.Context, sessionID string, skip, limit int) (*datatypes.MessagePage, error) {
	skip, limit = clampPage(skip, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	history := s.messages[sessionID]
	total := len(history)

	var window []datatypes.StoredMessage
	if skip < total {
		end := skip + limit
		if end > total {
			end = total
		}
		window = history[skip:end]
	}

	out := make([]datatypes.StoredMessage, len(window))
	copy(out, window)

	return &datatypes.MessagePage{
		SessionID: sessionID,
		Messages:  out,
		Total:     total,
		Skip:      skip,
		Limit:     limit,
		HasMore:   skip+limit < total,
	}, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, userID string) ([]datatypes.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summaries []datatypes.SessionSummary
	for _, session := range s.sessions {
		if session.UserID != userID {
			continue
		}
		summary := datatypes.SessionSummary{
			SessionID:    session.SessionID,
			MessageCount: len(s.messages[session.SessionID]),
			CreatedAt:    session.CreatedAt,
			UpdatedAt:    session.UpdatedAt,
		}
		for _, msg := range s.messages[session.SessionID] {
			if msg.Role == datatypes.RoleUser {
				summary.Preview = previewFrom(msg.Content)
				break
			}
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt != summaries[j].UpdatedAt {
			return summaries[i].UpdatedAt > summaries[j].UpdatedAt
		}
		return summaries[i].SessionID < summaries[j].SessionID
	})
	return summaries, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/WealthCoach/services/coach/datatypes"
	"github.com/AleutianAI/WealthCoach/services/coach/retrieval"
	"github.com/AleutianAI/WealthCoach/services/llm"
	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// Embedded BPE dictionaries. The default loader fetches encodings
	// over HTTP on first use, which would make startup depend on
	// outbound network access.
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
}

// DefaultTokenBudget bounds the assembled prompt. Completion tokens
// are budgeted separately by the model client.
const DefaultTokenBudget = 2000

// perMessageOverhead approximates the chat-format framing tokens each
// message adds beyond its content.
const perMessageOverhead = 4

const basePersona = `You are WealthCoach AI, a knowledgeable financial coaching assistant.

ABOUT YOU:
- You help people build financial knowledge and work toward their goals
- You provide personalized, educational financial guidance based on each user's profile

This assistant provides educational information only and is not a substitute for professional financial advice.

IMPORTANT GUIDELINES:
- Provide educational information, not personalized investment advice
- Explain financial concepts clearly in simple terms
- Cite sources when using specific information
- Recommend consulting a licensed financial advisor for personalized advice
- Be honest when you don't know something
- Maintain a friendly, supportive, and empowering tone`

// PromptAssembler builds the message array sent to the model.
//
// # Description
//
// Assembly is deterministic: the same query, history, chunks, and
// profile always produce byte-identical messages. When the assembled
// prompt exceeds the token budget, the oldest history messages are
// dropped first, then the lowest-scored knowledge chunks. The system
// persona and the current user message are never dropped; if those two
// alone exceed the budget, assembly fails with llm.ErrTokenBudget.
//
// # Thread Safety
//
// Safe for concurrent use after construction.
type PromptAssembler struct {
	encoder *tiktoken.Tiktoken
	budget  int
}

// NewPromptAssembler creates an assembler with the given token budget.
// A budget of zero means DefaultTokenBudget.
func NewPromptAssembler(budget int) (*PromptAssembler, error) {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding: %w", err)
	}
	return &PromptAssembler{encoder: encoder, budget: budget}, nil
}

// PromptInput carries everything a turn contributes to the prompt.
type PromptInput struct {
	UserMessage string
	History     []datatypes.StoredMessage
	Chunks      []retrieval.RetrievedChunk
	Profile     *UserProfile
}

// CountTokens returns the token count of a text under the assembler's
// encoding.
func (a *PromptAssembler) CountTokens(text string) int {
	return len(a.encoder.Encode(text, nil, nil))
}

func (a *PromptAssembler) messageTokens(content string) int {
	return a.CountTokens(content) + perMessageOverhead
}

// buildSystemPrompt renders persona, profile block, and source chunks.
func buildSystemPrompt(profile *UserProfile, chunks []retrieval.RetrievedChunk) string {
	var b strings.Builder
	b.WriteString(basePersona)

	if profileBlock := profile.PromptContext(); profileBlock != "" {
		b.WriteString("\n\nUSER PROFILE:\n")
		b.WriteString(profileBlock)
		b.WriteString("\nUse this information to provide more relevant guidance while maintaining educational focus.")
	}

	if len(chunks) > 0 {
		b.WriteString("\n\nRELEVANT INFORMATION:\n")
		for i, chunk := range chunks {
			if i > 0 {
				b.WriteString("\n\n")
			}
			label := chunk.Title
			if label == "" {
				label = chunk.Source
			}
			fmt.Fprintf(&b, "Source %d (%s):\n%s", i+1, label, chunk.Content)
		}
	}
	return b.String()
}

// historyWindow returns the last MaxHistoryWindow messages.
func historyWindow(history []datatypes.StoredMessage) []datatypes.StoredMessage {
	if len(history) > datatypes.MaxHistoryWindow {
		history = history[len(history)-datatypes.MaxHistoryWindow:]
	}
	return history
}

// Assemble builds the message array within the token budget.
func (a *PromptAssembler) Assemble(in PromptInput) ([]datatypes.Message, error) {
	history := historyWindow(in.History)
	chunks := in.Chunks

	userTokens := a.messageTokens(in.UserMessage)

	for {
		system := buildSystemPrompt(in.Profile, chunks)
		total := a.messageTokens(system) + userTokens
		for _, msg := range history {
			total += a.messageTokens(msg.Content)
		}

		if total <= a.budget {
			messages := make([]datatypes.Message, 0, len(history)+2)
			messages = append(messages, datatypes.Message{Role: datatypes.RoleSystem, Content: system})
			for _, msg := range history {
				messages = append(messages, datatypes.Message{Role: msg.Role, Content: msg.Content})
			}
			messages = append(messages, datatypes.Message{Role: datatypes.RoleUser, Content: in.UserMessage})
			return messages, nil
		}

		// Oldest history goes first; chunks are already ranked, so the
		// lowest-scored is the last one.
		switch {
		case len(history) > 0:
			history = history[1:]
		case len(chunks) > 0:
			chunks = chunks[:len(chunks)-1]
		default:
			return nil, fmt.Errorf("%w: prompt requires %d tokens, budget is %d", llm.ErrTokenBudget, total, a.budget)
		}
	}
}

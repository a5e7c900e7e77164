// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/mokshalabs/satsang/internal/model"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// HistoryTurn is a prior turn supplied as grounding context.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AskRequest is the body for /text and /text/stream.
type AskRequest struct {
	Question            string        `json:"question"`
	UserID              string        `json:"user_id,omitempty"`
	PreferredLanguage   string        `json:"preferred_language,omitempty"`
	ConversationHistory []HistoryTurn `json:"conversation_history,omitempty"`
	ConversationID      string        `json:"conversation_id,omitempty"`
}

// AskResponse is the non-streaming answer from /text.
type AskResponse struct {
	Answer         string          `json:"answer"`
	Confidence     float64         `json:"confidence"`
	Sources        []SourcePayload `json:"sources"`
	Language       string          `json:"language"`
	ProcessingTime float64         `json:"processing_time"`
	Cached         bool            `json:"cached"`
}

// ContextResponse is the combined short/long-term context for a conversation.
type ContextResponse struct {
	STM struct {
		Messages []HistoryTurn `json:"messages"`
	} `json:"stm"`
	LTM struct {
		Summary   string   `json:"summary,omitempty"`
		KeyTopics []string `json:"key_topics"`
	} `json:"ltm"`
}

// =============================================================================
// QUESTION ENDPOINTS
// =============================================================================

// Ask performs a non-streaming question exchange.
func (c *Client) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	var resp AskResponse
	if err := c.Do(ctx, "/text", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AskStream opens a streaming question exchange. The caller must Close the
// returned reader on every exit path.
func (c *Client) AskStream(ctx context.Context, req AskRequest) (*EventReader, error) {
	return c.Stream(ctx, "/text/stream", req)
}

// =============================================================================
// CONVERSATION ENDPOINTS
// =============================================================================

// createConversationRequest is the body for POST /conversations.
type createConversationRequest struct {
	Title    string `json:"title,omitempty"`
	Language string `json:"language"`
}

// CreateConversation creates a durable conversation for the user.
func (c *Client) CreateConversation(ctx context.Context, userID, title, language string) (*model.Conversation, error) {
	var conv model.Conversation
	opts := &RequestOptions{Query: url.Values{"user_id": {userID}}}
	body := createConversationRequest{Title: title, Language: language}
	if err := c.Do(ctx, "/conversations", body, &conv, opts); err != nil {
		return nil, err
	}
	return &conv, nil
}

// appendTurnRequest is the body for POST /conversations/{id}/messages.
type appendTurnRequest struct {
	Role            string          `json:"role"`
	Content         string          `json:"content"`
	ConfidenceScore float64         `json:"confidence_score,omitempty"`
	ProcessingTime  float64         `json:"processing_time,omitempty"`
	Sources         []SourcePayload `json:"sources,omitempty"`
}

// AppendTurn persists one turn to a conversation.
func (c *Client) AppendTurn(ctx context.Context, conversationID string, turn *model.Turn) error {
	req := appendTurnRequest{
		Role:            turn.Role.String(),
		Content:         turn.DisplayContent(),
		ConfidenceScore: turn.Confidence,
		ProcessingTime:  float64(turn.LatencyMs) / 1000,
	}
	for _, s := range turn.Sources {
		req.Sources = append(req.Sources, SourcePayload{VerseRef: s.VerseRef, Score: s.Score, Excerpt: s.Excerpt})
	}
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	return c.Do(ctx, path, req, nil, nil)
}

// GetConversation fetches a conversation with its turns.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var conv model.Conversation
	path := fmt.Sprintf("/conversations/%s", url.PathEscape(conversationID))
	opts := &RequestOptions{Query: url.Values{"include_messages": {"true"}}}
	if err := c.Do(ctx, path, nil, &conv, opts); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetContext fetches the STM/LTM grounding context for a conversation.
func (c *Client) GetContext(ctx context.Context, conversationID string, messageCount int) (*ContextResponse, error) {
	var resp ContextResponse
	path := fmt.Sprintf("/conversations/%s/context", url.PathEscape(conversationID))
	opts := &RequestOptions{Query: url.Values{"message_count": {strconv.Itoa(messageCount)}}}
	if err := c.Do(ctx, path, nil, &resp, opts); err != nil {
		return nil, err
	}
	return &resp, nil
}

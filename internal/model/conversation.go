// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// TitleMaxLen is the maximum rune length of a derived conversation title.
const TitleMaxLen = 60

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds a durable conversation with its turns and metadata.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Turns []*Turn `json:"messages"`
}

// NewConversation creates an empty local conversation.
func NewConversation(language string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.NewString(),
		Language:  language,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddTurn appends a turn to the conversation.
func (c *Conversation) AddTurn(t *Turn) {
	c.Turns = append(c.Turns, t)
	c.UpdatedAt = time.Now().UTC()
	if c.Title == "" {
		c.deriveTitle()
	}
}

// LastTurn returns the most recent turn, or nil if empty.
func (c *Conversation) LastTurn() *Turn {
	if len(c.Turns) == 0 {
		return nil
	}
	return c.Turns[len(c.Turns)-1]
}

// LastUserTurn returns the most recent user turn, or nil.
func (c *Conversation) LastUserTurn() *Turn {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == RoleUser {
			return c.Turns[i]
		}
	}
	return nil
}

// TurnCount returns the number of turns.
func (c *Conversation) TurnCount() int {
	return len(c.Turns)
}

// IsEmpty returns true if there are no turns.
func (c *Conversation) IsEmpty() bool {
	return len(c.Turns) == 0
}

// deriveTitle sets the title from the first user turn.
func (c *Conversation) deriveTitle() {
	for _, t := range c.Turns {
		if t.Role == RoleUser {
			c.Title = DeriveTitle(t.Content)
			return
		}
	}
}

// DeriveTitle truncates a first question into a conversation title.
func DeriveTitle(question string) string {
	runes := []rune(question)
	if len(runes) <= TitleMaxLen {
		return question
	}
	return string(runes[:TitleMaxLen])
}

// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Guide"
	default:
		return string(r)
	}
}

// =============================================================================
// SOURCE TYPE
// =============================================================================

// Source is a scripture citation attached to an assistant turn.
// Sources arrive in relevance order from the backend and are never re-ranked
// client-side.
type Source struct {
	VerseRef string  `json:"verse_ref"`
	Score    float64 `json:"score"`
	Excerpt  string  `json:"excerpt"`
}

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn represents a single turn in a conversation.
//
// A user turn is immutable once created. An assistant turn is mutable while it
// is still streaming: content grows monotonically through AppendToken and is
// frozen by Finalize. Once persisted server-side a turn is never modified.
type Turn struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content string `json:"content"`

	// Streaming state (not persisted).
	// strings.Builder avoids quadratic allocations during streaming.
	Streaming     bool            `json:"-"`
	streamContent strings.Builder `json:"-"`

	// Answer metadata (assistant turns)
	Confidence float64  `json:"confidence,omitempty"`
	LatencyMs  int64    `json:"latency_ms,omitempty"`
	Model      string   `json:"model,omitempty"`
	Sources    []Source `json:"sources,omitempty"`
	FollowUps  []string `json:"follow_ups,omitempty"`
}

// NewUserTurn creates a user turn with a generated ID.
func NewUserTurn(content string) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssistantTurn creates a streaming assistant turn.
func NewAssistantTurn() *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Timestamp: time.Now().UTC(),
		Streaming: true,
	}
}

// =============================================================================
// TURN METHODS
// =============================================================================

// AppendToken appends a streamed token. Tokens are applied in arrival order;
// the append is monotonic and is a no-op once the turn is finalized.
func (t *Turn) AppendToken(token string) {
	if t.Streaming {
		t.streamContent.WriteString(token)
	}
}

// AddSource appends a source citation in arrival order.
func (t *Turn) AddSource(s Source) {
	t.Sources = append(t.Sources, s)
}

// SetFollowUps replaces the follow-up question list. Only the latest wins.
func (t *Turn) SetFollowUps(questions []string) {
	t.FollowUps = questions
}

// Finalize freezes a streaming turn, merging streamed content into Content.
func (t *Turn) Finalize() {
	if !t.Streaming {
		return
	}
	t.Content = t.streamContent.String()
	t.streamContent.Reset()
	t.Streaming = false
}

// DisplayContent returns the content to render (streaming or final).
func (t *Turn) DisplayContent() string {
	if t.Streaming {
		return t.streamContent.String()
	}
	return t.Content
}

// IsEmpty returns true if the turn has no content.
func (t *Turn) IsEmpty() bool {
	return len(t.Content) == 0 && t.streamContent.Len() == 0
}

// Preview returns a rune-safe truncated preview of the turn content.
func (t *Turn) Preview(maxLen int) string {
	content := t.DisplayContent()
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clone returns a copy of the turn. Streaming state is not carried over; the
// clone holds the display content as final content.
func (t *Turn) Clone() *Turn {
	clone := *t
	clone.Content = t.DisplayContent()
	clone.Streaming = false
	clone.streamContent = strings.Builder{}
	clone.Sources = append([]Source(nil), t.Sources...)
	clone.FollowUps = append([]string(nil), t.FollowUps...)
	return &clone
}

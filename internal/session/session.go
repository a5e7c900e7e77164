// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds the per-run session context: identity, the active
// conversation, and the detected answer language.
//
// The session is an explicit object passed to the components that need it,
// created once at app start and torn down on logout. There is no ambient
// package-level state.
package session

import (
	"sync"
)

// =============================================================================
// SESSION
// =============================================================================

// Session is the shared mutable session context. All accessors are safe for
// concurrent use.
type Session struct {
	mu sync.RWMutex

	userID            string
	conversationID    string
	preferredLanguage string
	detectedLanguage  string
}

// New creates a session. preferredLanguage applies until stream metadata
// reports a detected language.
func New(preferredLanguage string) *Session {
	return &Session{preferredLanguage: preferredLanguage}
}

// =============================================================================
// IDENTITY
// =============================================================================

// SetUser records the authenticated user id after login.
func (s *Session) SetUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

// UserID returns the authenticated user id, empty while anonymous.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Authenticated reports whether a user id is present.
func (s *Session) Authenticated() bool {
	return s.UserID() != ""
}

// Logout clears identity and the active conversation. The caller clears the
// credential store separately.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = ""
	s.conversationID = ""
}

// =============================================================================
// CONVERSATION
// =============================================================================

// SetConversationID points the session at a durable conversation.
func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

// ConversationID returns the active durable conversation id, empty for guests.
func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// =============================================================================
// LANGUAGE
// =============================================================================

// SetPreferredLanguage updates the configured preference, for example after a
// config reload. A detected language keeps winning over it.
func (s *Session) SetPreferredLanguage(lang string) {
	if lang == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferredLanguage = lang
}

// SetDetectedLanguage records the language reported by stream metadata; it
// applies to subsequent exchanges.
func (s *Session) SetDetectedLanguage(lang string) {
	if lang == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detectedLanguage = lang
}

// Language returns the language to request answers in: the detected language
// when one was reported, the configured preference otherwise.
func (s *Session) Language() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.detectedLanguage != "" {
		return s.detectedLanguage
	}
	return s.preferredLanguage
}

// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"testing"
)

func TestSession_Lifecycle(t *testing.T) {
	s := New("en")

	if s.Authenticated() {
		t.Error("new session should be anonymous")
	}
	if s.Language() != "en" {
		t.Errorf("Language = %q, want en", s.Language())
	}

	s.SetUser("user-9")
	s.SetConversationID("conv-1")
	if !s.Authenticated() || s.UserID() != "user-9" {
		t.Error("SetUser did not take effect")
	}
	if s.ConversationID() != "conv-1" {
		t.Errorf("ConversationID = %q", s.ConversationID())
	}

	s.Logout()
	if s.Authenticated() || s.ConversationID() != "" {
		t.Error("Logout must clear identity and conversation")
	}
}

func TestSession_DetectedLanguage(t *testing.T) {
	s := New("en")

	s.SetDetectedLanguage("hi")
	if s.Language() != "hi" {
		t.Errorf("Language = %q, want hi", s.Language())
	}

	// Empty detections are ignored.
	s.SetDetectedLanguage("")
	if s.Language() != "hi" {
		t.Errorf("Language = %q, want hi after empty detection", s.Language())
	}
}

func TestSession_PreferredLanguageReload(t *testing.T) {
	s := New("en")

	// A reloaded preference takes effect while nothing was detected.
	s.SetPreferredLanguage("sa")
	if s.Language() != "sa" {
		t.Errorf("Language = %q, want sa", s.Language())
	}

	// Once a language is detected it keeps winning over the preference.
	s.SetDetectedLanguage("hi")
	s.SetPreferredLanguage("en")
	if s.Language() != "hi" {
		t.Errorf("Language = %q, want detected hi over reloaded preference", s.Language())
	}
}

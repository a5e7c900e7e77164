// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui is the terminal chat screen. It renders the conversation,
// streams the answer as it arrives, and surfaces quota and sign-in state.
package ui

import (
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mokshalabs/satsang/internal/chat"
	"github.com/mokshalabs/satsang/internal/model"
)

// Deps are the actions the screen can trigger. All blocking work runs off
// the update loop; results come back as messages.
type Deps struct {
	// Ask runs one full exchange and blocks until it finishes.
	Ask func(question string) (*model.Turn, error)

	// Login stores credentials and starts the guest migration.
	Login func(userID, token string) error

	// Logout clears stored credentials.
	Logout func() error

	// QuotaRemaining returns how many guest questions are left.
	QuotaRemaining func() (int, error)

	// Authenticated reports sign-in state.
	Authenticated func() bool

	// LoadConversation fetches a past conversation with its turns.
	LoadConversation func(id string) (*model.Conversation, error)

	// TranscribeFile turns a WAV clip on disk into question text.
	TranscribeFile func(path string) (string, error)

	// Speak synthesizes text to audio and returns where it was written.
	Speak func(text string) (string, error)
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	deps  Deps
	theme *Theme

	width  int
	height int
	ready  bool

	conversation *model.Conversation
	phase        chat.State
	busy         bool
	status       string
	errText      string

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
}

// New creates the chat screen.
func New(deps Deps) Model {
	input := textinput.New()
	input.Placeholder = "Ask the guide..."
	input.CharLimit = 2000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	return Model{
		deps:         deps,
		theme:        DefaultTheme(),
		conversation: model.NewConversation("en"),
		input:        input,
		spinner:      sp,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// applyTurn merges a turn snapshot into the conversation, replacing an
// existing turn with the same id.
func (m *Model) applyTurn(t *model.Turn) {
	for i, existing := range m.conversation.Turns {
		if existing.ID == t.ID {
			m.conversation.Turns[i] = t
			return
		}
	}
	m.conversation.AddTurn(t)
}

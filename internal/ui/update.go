// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mokshalabs/satsang/internal/api"
	"github.com/mokshalabs/satsang/internal/chat"
	"github.com/mokshalabs/satsang/internal/model"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 6
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		}

	case PhaseMsg:
		m.phase = msg.State
		if msg.State == chat.StateIdle {
			m.busy = false
		}
		return m, nil

	case TurnMsg:
		m.applyTurn(msg.Turn)
		m.refreshViewport()
		m.viewport.GotoBottom()
		return m, nil

	case ExchangeDoneMsg:
		m.busy = false
		if msg.Turn != nil {
			m.applyTurn(msg.Turn)
		}
		if msg.Err != nil {
			m.errText = userMessage(msg.Err)
		}
		m.refreshViewport()
		m.viewport.GotoBottom()
		return m, nil

	case MigratedMsg:
		m.conversation.ID = msg.ConversationID
		m.conversation.Turns = nil
		for _, t := range msg.Turns {
			m.conversation.AddTurn(t)
		}
		m.status = fmt.Sprintf("signed in, %d questions carried over", len(msg.Turns))
		m.refreshViewport()
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit handles the enter key: slash commands locally, everything else as a
// question to the guide.
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	if strings.HasPrefix(text, "/") {
		m.input.SetValue("")
		return m.runCommand(text)
	}
	if m.busy {
		m.status = "one question at a time"
		return m, nil
	}

	m.input.SetValue("")
	m.busy = true
	m.errText = ""
	m.status = ""

	ask := func() tea.Msg {
		turn, err := m.deps.Ask(text)
		return ExchangeDoneMsg{Turn: turn, Err: err}
	}
	return m, tea.Batch(m.spinner.Tick, ask)
}

// runCommand executes a slash command.
func (m Model) runCommand(text string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/quit", "/exit":
		return m, tea.Quit

	case "/login":
		if len(fields) != 3 {
			m.errText = "usage: /login <user-id> <token>"
			return m, nil
		}
		if err := m.deps.Login(fields[1], fields[2]); err != nil {
			m.errText = "sign in failed: " + err.Error()
			return m, nil
		}
		m.status = "signed in"
		return m, nil

	case "/logout":
		if err := m.deps.Logout(); err != nil {
			m.errText = "sign out failed: " + err.Error()
			return m, nil
		}
		m.status = "signed out"
		return m, nil

	case "/quota":
		if m.deps.Authenticated() {
			m.status = "signed in, no question limit"
			return m, nil
		}
		left, err := m.deps.QuotaRemaining()
		if err != nil {
			m.errText = err.Error()
			return m, nil
		}
		m.status = fmt.Sprintf("%d guest questions remaining", left)
		return m, nil

	case "/load":
		if len(fields) != 2 {
			m.errText = "usage: /load <conversation-id>"
			return m, nil
		}
		conv, err := m.deps.LoadConversation(fields[1])
		if err != nil {
			m.errText = userMessage(err)
			return m, nil
		}
		m.conversation = conv
		m.status = fmt.Sprintf("loaded %q (%d turns)", conv.Title, conv.TurnCount())
		m.refreshViewport()
		m.viewport.GotoBottom()
		return m, nil

	case "/voice":
		if len(fields) != 2 {
			m.errText = "usage: /voice <clip.wav>"
			return m, nil
		}
		text, err := m.deps.TranscribeFile(fields[1])
		if err != nil {
			m.errText = userMessage(err)
			return m, nil
		}
		// The transcription lands in the input so it can be reviewed first.
		m.input.SetValue(text)
		m.status = "transcribed, press enter to ask"
		return m, nil

	case "/speak":
		last := lastAssistantTurn(m.conversation)
		if last == nil {
			m.errText = "nothing to speak yet"
			return m, nil
		}
		path, err := m.deps.Speak(last.DisplayContent())
		if err != nil {
			m.errText = userMessage(err)
			return m, nil
		}
		m.status = "answer audio written to " + path
		return m, nil

	default:
		m.errText = "unknown command: " + fields[0]
		return m, nil
	}
}

// lastAssistantTurn returns the most recent finished assistant turn.
func lastAssistantTurn(c *model.Conversation) *model.Turn {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == model.RoleAssistant && !c.Turns[i].IsEmpty() {
			return c.Turns[i]
		}
	}
	return nil
}

// userMessage prefers the classified user-facing message when available.
func userMessage(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.UserMessage()
	}
	if errors.Is(err, chat.ErrQuotaExhausted) {
		return "You have used your guest questions. Sign in with /login to continue."
	}
	return err.Error()
}

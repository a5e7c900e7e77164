// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import (
	"fmt"
	"strings"

	"github.com/mokshalabs/satsang/internal/chat"
	"github.com/mokshalabs/satsang/internal/model"
)

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	var b strings.Builder
	b.WriteString(m.theme.Title.Render("satsang"))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.theme.Input.Width(m.width - 4).Render(m.input.View()))
	return b.String()
}

// statusLine renders the one-line phase / status / error strip.
func (m Model) statusLine() string {
	if m.errText != "" {
		return m.theme.Error.Render(m.errText)
	}
	if m.busy {
		var label string
		switch m.phase {
		case chat.StateAwaitingContext:
			label = "recalling the conversation..."
		case chat.StateStreaming:
			label = "the guide is answering..."
		case chat.StateFinalizing:
			label = "saving..."
		default:
			label = "working..."
		}
		return m.spinner.View() + m.theme.Status.Render(label)
	}
	if m.status != "" {
		return m.theme.Status.Render(m.status)
	}
	return m.theme.Status.Render("enter a question, /login to sign in, /quit to leave")
}

// refreshViewport re-renders the conversation into the viewport.
func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	var b strings.Builder
	for _, t := range m.conversation.Turns {
		b.WriteString(m.renderTurn(t))
		b.WriteString("\n\n")
	}
	m.viewport.SetContent(b.String())
}

// renderTurn formats one turn with its sources and follow-up questions.
func (m *Model) renderTurn(t *model.Turn) string {
	var b strings.Builder
	switch t.Role {
	case model.RoleUser:
		b.WriteString(m.theme.UserLabel.Render(t.Role.DisplayName() + ":"))
		b.WriteString(" ")
		b.WriteString(t.DisplayContent())
	case model.RoleAssistant:
		b.WriteString(m.theme.Guide.Render(t.Role.DisplayName() + ":"))
		b.WriteString(" ")
		b.WriteString(m.theme.GuideText.Render(t.DisplayContent()))
		for _, s := range t.Sources {
			b.WriteString("\n")
			b.WriteString(m.theme.Source.Render(fmt.Sprintf("  %s (%.2f) %s", s.VerseRef, s.Score, s.Excerpt)))
		}
		if len(t.FollowUps) > 0 {
			b.WriteString("\n")
			b.WriteString(m.theme.FollowUp.Render("  you might also ask:"))
			for _, q := range t.FollowUps {
				b.WriteString("\n")
				b.WriteString(m.theme.FollowUp.Render("   - " + q))
			}
		}
	}
	return b.String()
}

// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import "github.com/charmbracelet/lipgloss"

// Theme holds the lipgloss styles for the chat screen.
type Theme struct {
	Title     lipgloss.Style
	UserLabel lipgloss.Style
	Guide     lipgloss.Style
	GuideText lipgloss.Style
	Source    lipgloss.Style
	FollowUp  lipgloss.Style
	Status    lipgloss.Style
	Error     lipgloss.Style
	Quota     lipgloss.Style
	Input     lipgloss.Style
}

// DefaultTheme returns the standard saffron-on-dark palette.
func DefaultTheme() *Theme {
	return &Theme{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		UserLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Guide:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		GuideText: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		Source:    lipgloss.NewStyle().Foreground(lipgloss.Color("108")).Italic(true),
		FollowUp:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Status:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		Quota:     lipgloss.NewStyle().Foreground(lipgloss.Color("179")),
		Input:     lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1),
	}
}

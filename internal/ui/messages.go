// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import (
	"github.com/mokshalabs/satsang/internal/chat"
	"github.com/mokshalabs/satsang/internal/model"
)

// PhaseMsg reports an orchestrator state transition. Delivered via
// Program.Send from the exchange goroutine.
type PhaseMsg struct {
	State chat.State
}

// TurnMsg carries a snapshot of a turn after a mutation.
type TurnMsg struct {
	Turn *model.Turn
}

// ExchangeDoneMsg ends an exchange. Err is nil on a clean finish; a degraded
// exchange carries both a turn and an error.
type ExchangeDoneMsg struct {
	Turn *model.Turn
	Err  error
}

// MigratedMsg reports a finished guest-to-account migration.
type MigratedMsg struct {
	ConversationID string
	Turns          []*model.Turn
}

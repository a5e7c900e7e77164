// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package syncer migrates a guest buffer into a durable conversation after
// login, exactly once even under concurrent triggers.
package syncer

import (
	"context"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/mokshalabs/satsang/internal/guest"
	"github.com/mokshalabs/satsang/internal/model"
	"github.com/mokshalabs/satsang/internal/session"
)

// =============================================================================
// BACKEND INTERFACE
// =============================================================================

// Backend is the slice of the API client the coordinator needs.
type Backend interface {
	CreateConversation(ctx context.Context, userID, title, language string) (*model.Conversation, error)
	AppendTurn(ctx context.Context, conversationID string, turn *model.Turn) error
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator owns the guest-to-account migration. Migrate is idempotent and
// re-entrant-safe: the in-flight guard is a compare-and-set boolean, so two
// concurrent triggers result in exactly one migration.
type Coordinator struct {
	backend Backend
	buffer  *guest.Buffer
	sess    *session.Session
	logger  *log.Logger

	// inFlight is the sole mutual-exclusion mechanism; set before any network
	// call and released on every path once migration work has begun.
	inFlight atomic.Bool

	// OnMigrated, when set, receives the new conversation id and the restored
	// turns so the UI can resume from the persisted state.
	OnMigrated func(conversationID string, turns []*model.Turn)
}

// New creates a coordinator.
func New(backend Backend, buffer *guest.Buffer, sess *session.Session, logger *log.Logger) *Coordinator {
	return &Coordinator{
		backend: backend,
		buffer:  buffer,
		sess:    sess,
		logger:  logger,
	}
}

// Migrate moves the guest buffer into a new durable conversation under the
// authenticated user.
//
// Ordering of the early returns matters:
//  1. A migration already in flight wins; this call returns with no effects.
//  2. An empty buffer needs no migration; it is cleared as cleanup.
//  3. A missing user id returns WITHOUT setting the guard, so a later trigger
//     retries once identity is available.
//
// Once the guard is set, the buffer is cleared and the guard released no
// matter how the migration ends. A conversation-creation failure aborts the
// migration but still clears the buffer: a clean restart is preferred over an
// infinite retry loop. Individual turn-persistence failures are skipped, and
// logged loudly, without aborting the batch.
func (c *Coordinator) Migrate(ctx context.Context) error {
	if c.inFlight.Load() {
		return nil
	}

	empty, err := c.buffer.IsEmpty()
	if err != nil {
		return err
	}
	if empty {
		if err := c.buffer.Clear(); err != nil {
			c.logger.Warn("guest buffer cleanup failed", "error", err)
		}
		return nil
	}

	userID := c.sess.UserID()
	if userID == "" {
		// Identity not available yet; a later auth-state trigger will retry.
		return nil
	}

	if !c.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer func() {
		if err := c.buffer.Clear(); err != nil {
			c.logger.Error("guest buffer clear failed after migration", "error", err)
		}
		c.inFlight.Store(false)
	}()

	turns, err := c.buffer.LoadAll()
	if err != nil {
		return err
	}

	title := deriveTitle(turns)
	conv, err := c.backend.CreateConversation(ctx, userID, title, c.sess.Language())
	if err != nil {
		c.logger.Error("conversation creation failed, guest turns discarded",
			"user", userID, "turns", len(turns), "error", err)
		return err
	}

	migrated := make([]*model.Turn, 0, len(turns))
	for i, turn := range turns {
		if err := c.backend.AppendTurn(ctx, conv.ID, turn); err != nil {
			// Data loss by design: the batch continues without this turn.
			c.logger.Error("guest turn dropped during migration",
				"conversation", conv.ID, "index", i, "turn", turn.ID, "error", err)
			continue
		}
		migrated = append(migrated, turn)
	}

	c.sess.SetConversationID(conv.ID)
	if c.OnMigrated != nil {
		c.OnMigrated(conv.ID, migrated)
	}
	c.logger.Info("guest conversation migrated",
		"conversation", conv.ID, "migrated", len(migrated), "total", len(turns))
	return nil
}

// deriveTitle builds the conversation title from the first user turn.
func deriveTitle(turns []*model.Turn) string {
	for _, t := range turns {
		if t.Role == model.RoleUser {
			return model.DeriveTitle(t.Content)
		}
	}
	return ""
}

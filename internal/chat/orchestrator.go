// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives a single question exchange end to end: quota check,
// context fetch, streaming or non-streaming ask, incremental assistant turn
// assembly, and persistence of the finished turns.
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mokshalabs/satsang/internal/api"
	"github.com/mokshalabs/satsang/internal/guest"
	"github.com/mokshalabs/satsang/internal/memory"
	"github.com/mokshalabs/satsang/internal/model"
	"github.com/mokshalabs/satsang/internal/session"
)

// =============================================================================
// STATES AND ERRORS
// =============================================================================

// State is the orchestrator phase. Transitions are strictly
// Idle -> AwaitingContext -> Streaming -> Finalizing -> Idle.
type State int

const (
	StateIdle State = iota
	StateAwaitingContext
	StateStreaming
	StateFinalizing
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingContext:
		return "awaiting_context"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned when an exchange is already in progress.
	ErrBusy = errors.New("an exchange is already in progress")

	// ErrQuotaExhausted is returned to a guest whose buffered question quota
	// is used up. No network call is made.
	ErrQuotaExhausted = errors.New("guest question quota exhausted, sign in to continue")
)

// interruptedMarker is appended to the answer when the stream ends on an
// error event, so the partial answer reads as explicitly incomplete.
const interruptedMarker = "\n\n[answer interrupted]"

// =============================================================================
// BACKEND INTERFACE
// =============================================================================

// Backend is the slice of the API client the orchestrator needs.
type Backend interface {
	Ask(ctx context.Context, req api.AskRequest) (*api.AskResponse, error)
	AskStream(ctx context.Context, req api.AskRequest) (*api.EventReader, error)
	CreateConversation(ctx context.Context, userID, title, language string) (*model.Conversation, error)
	AppendTurn(ctx context.Context, conversationID string, turn *model.Turn) error
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Options tune a single orchestrator.
type Options struct {
	// StreamEnabled selects /text/stream over the non-streaming /text.
	StreamEnabled bool

	// ContextTurns is how many recent turns to request as grounding context.
	ContextTurns int
}

// Orchestrator runs one exchange at a time. Ask blocks for the duration of
// the exchange; callers run it off the UI goroutine and observe progress
// through OnState and OnTurn.
type Orchestrator struct {
	backend Backend
	fetcher *memory.Fetcher
	buffer  *guest.Buffer
	sess    *session.Session
	logger  *log.Logger
	opts    Options

	mu    sync.Mutex
	state State

	// OnState, when set, observes every state transition.
	OnState func(State)

	// OnTurn, when set, fires after every mutation of the assistant turn so
	// the UI can re-render incrementally.
	OnTurn func(*model.Turn)
}

// New creates an orchestrator.
func New(backend Backend, fetcher *memory.Fetcher, buffer *guest.Buffer, sess *session.Session, logger *log.Logger, opts Options) *Orchestrator {
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = 10
	}
	return &Orchestrator{
		backend: backend,
		fetcher: fetcher,
		buffer:  buffer,
		sess:    sess,
		logger:  logger,
		opts:    opts,
		state:   StateIdle,
	}
}

// State returns the current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	if o.OnState != nil {
		o.OnState(s)
	}
}

func (o *Orchestrator) notifyTurn(t *model.Turn) {
	if o.OnTurn != nil {
		o.OnTurn(t)
	}
}

// =============================================================================
// EXCHANGE
// =============================================================================

// Ask runs one full question exchange and returns the finished assistant
// turn. The user turn is created internally and surfaced through OnTurn
// before any network activity.
//
// For guests the quota is enforced before anything touches the network.
// Only a transport failure that produced no answer tokens is exempt from
// quota; a completed exchange counts even when the backend reported an
// error mid-stream.
func (o *Orchestrator) Ask(ctx context.Context, question string) (*model.Turn, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.state = StateAwaitingContext
	o.mu.Unlock()
	if o.OnState != nil {
		o.OnState(StateAwaitingContext)
	}
	defer o.setState(StateIdle)

	if !o.sess.Authenticated() {
		over, err := o.buffer.IsOverQuota()
		if err != nil {
			return nil, err
		}
		if over {
			return nil, ErrQuotaExhausted
		}
	}

	userTurn := model.NewUserTurn(question)
	o.notifyTurn(userTurn)

	grounding := o.fetcher.Fetch(ctx, o.sess.ConversationID(), o.opts.ContextTurns)

	req := api.AskRequest{
		Question:            question,
		UserID:              o.sess.UserID(),
		PreferredLanguage:   o.sess.Language(),
		ConversationHistory: grounding.Recent,
		ConversationID:      o.sess.ConversationID(),
	}

	assistant := model.NewAssistantTurn()
	started := time.Now()

	var exchErr error
	if o.opts.StreamEnabled {
		exchErr = o.runStream(ctx, req, assistant)
	} else {
		exchErr = o.runOneShot(ctx, req, assistant)
	}

	if exchErr != nil {
		// Nothing arrived: the exchange never happened from the user's point
		// of view, so nothing is buffered or persisted.
		if assistant.IsEmpty() {
			return nil, exchErr
		}
		// Partial answer survives; fall through and keep what we have.
		o.logger.Warn("exchange ended degraded", "error", exchErr)
	}

	o.setState(StateFinalizing)
	assistant.Finalize()
	if assistant.LatencyMs == 0 {
		assistant.LatencyMs = time.Since(started).Milliseconds()
	}
	o.notifyTurn(assistant)

	o.finalize(ctx, userTurn, assistant)
	return assistant, exchErr
}

// runStream consumes /text/stream, applying events to the assistant turn in
// arrival order. Events after a terminal event are ignored.
func (o *Orchestrator) runStream(ctx context.Context, req api.AskRequest, assistant *model.Turn) error {
	reader, err := o.backend.AskStream(ctx, req)
	if err != nil {
		return err
	}
	defer reader.Close()

	o.setState(StateStreaming)

	for {
		ev, err := reader.Next(ctx)
		if err == io.EOF {
			if !reader.Terminated() {
				return &api.Error{Kind: api.KindNetwork, Message: "stream ended before completion"}
			}
			return nil
		}
		if err != nil {
			return err
		}

		switch ev.Type {
		case api.EventStart, api.EventThinking:
			// Presence signals only; the UI spinner covers these.

		case api.EventToken:
			assistant.AppendToken(ev.Text)
			o.notifyTurn(assistant)

		case api.EventSource:
			assistant.AddSource(model.Source{
				VerseRef: ev.Source.VerseRef,
				Score:    ev.Source.Score,
				Excerpt:  ev.Source.Excerpt,
			})
			o.notifyTurn(assistant)

		case api.EventFollowUp:
			assistant.SetFollowUps(ev.FollowUps)
			o.notifyTurn(assistant)

		case api.EventMetadata:
			assistant.Confidence = ev.Metadata.Confidence
			assistant.LatencyMs = ev.Metadata.LatencyMs
			assistant.Model = ev.Metadata.Model
			o.sess.SetDetectedLanguage(ev.Metadata.Language)
			o.notifyTurn(assistant)

		case api.EventDone:
			o.drainIgnored(ctx, reader)
			return nil

		case api.EventError:
			// A backend-reported error is terminal but the exchange still
			// completes, so it counts like any finished exchange. Only
			// transport failures are exempt.
			o.logger.Warn("stream error event", "message", ev.Message, "status", ev.Status)
			marker := interruptedMarker
			if assistant.IsEmpty() {
				marker = strings.TrimLeft(interruptedMarker, "\n")
			}
			assistant.AppendToken(marker)
			o.notifyTurn(assistant)
			o.drainIgnored(ctx, reader)
			return nil
		}
	}
}

// drainIgnored logs and discards any events delivered after a terminal one.
func (o *Orchestrator) drainIgnored(ctx context.Context, reader *api.EventReader) {
	for {
		ev, err := reader.Next(ctx)
		if err != nil {
			return
		}
		o.logger.Debug("event after terminal ignored", "type", ev.Type)
	}
}

// runOneShot performs the non-streaming exchange and applies the complete
// answer as a single batch.
func (o *Orchestrator) runOneShot(ctx context.Context, req api.AskRequest, assistant *model.Turn) error {
	o.setState(StateStreaming)

	resp, err := o.backend.Ask(ctx, req)
	if err != nil {
		return err
	}

	assistant.AppendToken(resp.Answer)
	assistant.Confidence = resp.Confidence
	assistant.LatencyMs = int64(resp.ProcessingTime * 1000)
	for _, s := range resp.Sources {
		assistant.AddSource(model.Source{VerseRef: s.VerseRef, Score: s.Score, Excerpt: s.Excerpt})
	}
	o.sess.SetDetectedLanguage(resp.Language)
	o.notifyTurn(assistant)
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// finalize records the finished exchange: durable conversation turns for an
// authenticated user, the local buffer for a guest. Persistence failures are
// logged, never rolled back; the in-memory conversation stays authoritative
// for this run.
func (o *Orchestrator) finalize(ctx context.Context, userTurn, assistant *model.Turn) {
	o.fetcher.Cache().Add(userTurn)
	o.fetcher.Cache().Add(assistant)

	if !o.sess.Authenticated() {
		if err := o.buffer.Append(userTurn); err != nil {
			o.logger.Error("guest turn not buffered", "turn", userTurn.ID, "error", err)
		}
		if err := o.buffer.Append(assistant); err != nil {
			o.logger.Error("guest turn not buffered", "turn", assistant.ID, "error", err)
		}
		return
	}

	convID := o.sess.ConversationID()
	if convID == "" {
		conv, err := o.backend.CreateConversation(
			ctx, o.sess.UserID(), model.DeriveTitle(userTurn.Content), o.sess.Language())
		if err != nil {
			o.logger.Error("conversation creation failed, exchange not persisted", "error", err)
			return
		}
		convID = conv.ID
		o.sess.SetConversationID(convID)
	}

	if err := o.backend.AppendTurn(ctx, convID, userTurn); err != nil {
		o.logger.Error("user turn not persisted", "conversation", convID, "error", err)
	}
	if err := o.backend.AppendTurn(ctx, convID, assistant); err != nil {
		o.logger.Error("assistant turn not persisted", "conversation", convID, "error", err)
	}
}

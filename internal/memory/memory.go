// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory supplies the grounding context for a new question: recent
// raw turns (short-term) and the summarized topics (long-term) held by the
// backend, with a local fallback when the backend is unreachable.
package memory

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/mokshalabs/satsang/internal/api"
	"github.com/mokshalabs/satsang/internal/model"
)

// =============================================================================
// CONTEXT
// =============================================================================

// Context is the grounding bundle passed along with a question.
type Context struct {
	Recent    []api.HistoryTurn
	Summary   string
	KeyTopics []string

	// FromCache is true when the backend fetch failed and Recent was served
	// from the local cache.
	FromCache bool
}

// =============================================================================
// RECENT-TURN CACHE
// =============================================================================

// Cache keeps a bounded window of recent turns in memory so context fetch
// failures never block an exchange.
type Cache struct {
	mu    sync.Mutex
	turns []api.HistoryTurn
	max   int
}

// NewCache creates a cache retaining at most max turns.
func NewCache(max int) *Cache {
	return &Cache{max: max}
}

// Add records a completed turn.
func (c *Cache) Add(t *model.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, api.HistoryTurn{Role: t.Role.String(), Content: t.DisplayContent()})
	if len(c.turns) > c.max {
		c.turns = c.turns[len(c.turns)-c.max:]
	}
}

// Recent returns up to n most recent turns, oldest first.
func (c *Cache) Recent(n int) []api.HistoryTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.turns) {
		n = len(c.turns)
	}
	out := make([]api.HistoryTurn, n)
	copy(out, c.turns[len(c.turns)-n:])
	return out
}

// Len returns the number of cached turns.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// =============================================================================
// FETCHER
// =============================================================================

// ContextBackend is the slice of the API client the fetcher needs.
type ContextBackend interface {
	GetContext(ctx context.Context, conversationID string, messageCount int) (*api.ContextResponse, error)
}

// Fetcher resolves grounding context for an exchange.
type Fetcher struct {
	backend ContextBackend
	cache   *Cache
	logger  *log.Logger
}

// NewFetcher creates a fetcher backed by the API client and the local cache.
func NewFetcher(backend ContextBackend, cache *Cache, logger *log.Logger) *Fetcher {
	return &Fetcher{backend: backend, cache: cache, logger: logger}
}

// Cache exposes the underlying recent-turn cache so the orchestrator can feed
// completed turns back in.
func (f *Fetcher) Cache() *Cache {
	return f.cache
}

// Fetch returns context for the conversation, best-effort. A backend failure
// degrades to locally cached recent turns and never blocks the exchange.
func (f *Fetcher) Fetch(ctx context.Context, conversationID string, messageCount int) *Context {
	if conversationID == "" {
		return &Context{Recent: f.cache.Recent(messageCount), FromCache: true}
	}

	resp, err := f.backend.GetContext(ctx, conversationID, messageCount)
	if err != nil {
		f.logger.Warn("context fetch failed, using cached turns",
			"conversation", conversationID, "error", err)
		return &Context{Recent: f.cache.Recent(messageCount), FromCache: true}
	}
	return &Context{
		Recent:    resp.STM.Messages,
		Summary:   resp.LTM.Summary,
		KeyTopics: resp.LTM.KeyTopics,
	}
}

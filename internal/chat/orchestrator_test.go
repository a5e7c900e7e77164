// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mokshalabs/satsang/internal/api"
	"github.com/mokshalabs/satsang/internal/guest"
	"github.com/mokshalabs/satsang/internal/memory"
	"github.com/mokshalabs/satsang/internal/model"
	"github.com/mokshalabs/satsang/internal/session"
)

// fullExchange is a complete streamed answer as it appears on the wire.
const fullExchange = "event: start\n" +
	"data: {\"question\": \"What is dharma?\"}\n\n" +
	"event: token\n" +
	"data: {\"text\": \"Dharma is \"}\n\n" +
	"event: token\n" +
	"data: {\"text\": \"your sacred duty.\"}\n\n" +
	"event: source\n" +
	"data: {\"verse_ref\": \"2.31\", \"score\": 0.9, \"excerpt\": \"...\"}\n\n" +
	"event: metadata\n" +
	"data: {\"confidence\": 0.88, \"latency_ms\": 1200, \"model\": \"gpt-4o\", \"language\": \"hi\"}\n\n" +
	"event: done\n" +
	"data: {}\n\n"

type fakeBackend struct {
	mu sync.Mutex

	streamPayload string
	streamBody    io.ReadCloser // overrides streamPayload when set
	streamErr     error
	streamCalls   int

	askResp  *api.AskResponse
	askErr   error
	askCalls int
	askGate  chan struct{}

	createCalls int
	createErr   error
	appendErr   error
	appended    []string // "role:content" in call order
}

func (f *fakeBackend) AskStream(ctx context.Context, req api.AskRequest) (*api.EventReader, error) {
	f.mu.Lock()
	f.streamCalls++
	f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if f.streamBody != nil {
		return api.NewEventReader(f.streamBody), nil
	}
	return api.NewEventReader(io.NopCloser(strings.NewReader(f.streamPayload))), nil
}

func (f *fakeBackend) Ask(ctx context.Context, req api.AskRequest) (*api.AskResponse, error) {
	f.mu.Lock()
	f.askCalls++
	gate := f.askGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if f.askErr != nil {
		return nil, f.askErr
	}
	return f.askResp, nil
}

func (f *fakeBackend) CreateConversation(ctx context.Context, userID, title, language string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &model.Conversation{ID: "conv-1", Title: title, Language: language}, nil
}

func (f *fakeBackend) AppendTurn(ctx context.Context, conversationID string, turn *model.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, turn.Role.String()+":"+turn.DisplayContent())
	return nil
}

func (f *fakeBackend) networkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls + f.askCalls + f.createCalls + len(f.appended)
}

type fixture struct {
	backend *fakeBackend
	buffer  *guest.Buffer
	sess    *session.Session
	orch    *Orchestrator
}

func newFixture(t *testing.T, backend *fakeBackend) *fixture {
	t.Helper()
	buf, err := guest.Open(filepath.Join(t.TempDir(), "guest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	sess := session.New("en")
	logger := log.New(io.Discard)
	fetcher := memory.NewFetcher(backend2ctx{}, memory.NewCache(20), logger)
	orch := New(backend, fetcher, buf, sess, logger, Options{StreamEnabled: true, ContextTurns: 10})
	return &fixture{backend: backend, buffer: buf, sess: sess, orch: orch}
}

// backend2ctx is a context backend that always fails, forcing the local
// cache path. The orchestrator must tolerate that silently.
type backend2ctx struct{}

func (backend2ctx) GetContext(ctx context.Context, conversationID string, messageCount int) (*api.ContextResponse, error) {
	return nil, errors.New("context unavailable")
}

func TestAsk_FullStreamedExchange(t *testing.T) {
	f := newFixture(t, &fakeBackend{streamPayload: fullExchange})

	var states []State
	f.orch.OnState = func(s State) { states = append(states, s) }

	turn, err := f.orch.Ask(context.Background(), "What is dharma?")
	require.NoError(t, err)

	assert.Equal(t, "Dharma is your sacred duty.", turn.Content)
	assert.False(t, turn.Streaming)
	require.Len(t, turn.Sources, 1)
	assert.Equal(t, "2.31", turn.Sources[0].VerseRef)
	assert.Equal(t, 0.88, turn.Confidence)
	assert.Equal(t, int64(1200), turn.LatencyMs)
	assert.Equal(t, "gpt-4o", turn.Model)
	assert.Equal(t, "hi", f.sess.Language(), "detected language adopted from metadata")

	assert.Equal(t,
		[]State{StateAwaitingContext, StateStreaming, StateFinalizing, StateIdle},
		states)
}

func TestAsk_EventsAfterDoneIgnored(t *testing.T) {
	payload := fullExchange +
		"event: token\n" +
		"data: {\"text\": \"STRAGGLER\"}\n\n"
	f := newFixture(t, &fakeBackend{streamPayload: payload})

	turn, err := f.orch.Ask(context.Background(), "What is dharma?")
	require.NoError(t, err)
	assert.NotContains(t, turn.Content, "STRAGGLER")
}

func TestAsk_GuestExchangeCountsOneUserTurn(t *testing.T) {
	f := newFixture(t, &fakeBackend{streamPayload: fullExchange})

	n, err := f.buffer.UserTurnCount()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = f.orch.Ask(context.Background(), "What is dharma?")
	require.NoError(t, err)

	n, err = f.buffer.UserTurnCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	turns, err := f.buffer.LoadAll()
	require.NoError(t, err)
	require.Len(t, turns, 2, "both turns of the exchange are buffered")
	assert.Equal(t, model.RoleUser, turns[0].Role)
	assert.Equal(t, model.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Dharma is your sacred duty.", turns[1].Content)
}

func TestAsk_QuotaBlocksWithoutNetwork(t *testing.T) {
	backend := &fakeBackend{streamPayload: fullExchange}
	f := newFixture(t, backend)

	for i := 0; i < guest.Quota; i++ {
		require.NoError(t, f.buffer.Append(model.NewUserTurn("q")))
	}

	_, err := f.orch.Ask(context.Background(), "one more?")
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 0, backend.networkCalls(), "quota must be enforced before any network call")
	assert.Equal(t, StateIdle, f.orch.State())
}

func TestAsk_TransportFailureDoesNotConsumeQuota(t *testing.T) {
	backend := &fakeBackend{streamErr: &api.Error{Kind: api.KindNetwork, Message: "connection refused"}}
	f := newFixture(t, backend)

	_, err := f.orch.Ask(context.Background(), "What is dharma?")
	require.Error(t, err)

	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.KindNetwork, apiErr.Kind)

	n, err := f.buffer.UserTurnCount()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a failed exchange with no tokens must not count")
}

func TestAsk_ErrorEventAfterTokensEndsDegraded(t *testing.T) {
	payload := "event: token\n" +
		"data: {\"text\": \"Partial answer\"}\n\n" +
		"event: error\n" +
		"data: {\"message\": \"upstream overloaded\", \"status_code\": 503}\n\n"
	f := newFixture(t, &fakeBackend{streamPayload: payload})

	turn, err := f.orch.Ask(context.Background(), "What is dharma?")
	require.NoError(t, err, "a degraded exchange with tokens still completes")
	assert.True(t, strings.HasPrefix(turn.Content, "Partial answer"))
	assert.Contains(t, turn.Content, "[answer interrupted]")

	// Tokens were applied, so the exchange consumes guest quota.
	n, bufErr := f.buffer.UserTurnCount()
	require.NoError(t, bufErr)
	assert.Equal(t, 1, n)
}

func TestAsk_ErrorEventWithNoTokensCompletesAndCounts(t *testing.T) {
	payload := "event: error\n" +
		"data: {\"message\": \"question rejected\", \"status_code\": 422}\n\n"
	f := newFixture(t, &fakeBackend{streamPayload: payload})

	// A backend error event never raises; the exchange completes degraded
	// even when no tokens arrived first.
	turn, err := f.orch.Ask(context.Background(), "???")
	require.NoError(t, err)
	assert.Equal(t, "[answer interrupted]", turn.Content)
	assert.False(t, turn.Streaming)

	// And it counts against the guest quota like any finished exchange.
	n, bufErr := f.buffer.UserTurnCount()
	require.NoError(t, bufErr)
	assert.Equal(t, 1, n)

	turns, loadErr := f.buffer.LoadAll()
	require.NoError(t, loadErr)
	require.Len(t, turns, 2, "both turns buffered despite the backend error")
}

func TestAsk_TruncatedStreamKeepsPartialAnswer(t *testing.T) {
	payload := "event: token\n" +
		"data: {\"text\": \"Dharma is\"}\n\n"
	// Stream ends with no terminal event.
	f := newFixture(t, &fakeBackend{streamPayload: payload})

	turn, err := f.orch.Ask(context.Background(), "What is dharma?")
	require.Error(t, err)

	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.KindNetwork, apiErr.Kind)

	require.NotNil(t, turn, "partial content survives a truncated stream")
	assert.Equal(t, "Dharma is", turn.Content)

	n, bufErr := f.buffer.UserTurnCount()
	require.NoError(t, bufErr)
	assert.Equal(t, 1, n, "tokens were applied, so the exchange counts")
}

func TestAsk_TruncatedStreamWithNoTokensFails(t *testing.T) {
	payload := "event: start\n" +
		"data: {\"question\": \"q\"}\n\n"
	f := newFixture(t, &fakeBackend{streamPayload: payload})

	turn, err := f.orch.Ask(context.Background(), "q")
	require.Error(t, err)
	assert.Nil(t, turn)

	n, bufErr := f.buffer.UserTurnCount()
	require.NoError(t, bufErr)
	assert.Equal(t, 0, n)
}

// closeRecorder tracks whether the stream body was released.
type closeRecorder struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (c *closeRecorder) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if closer, ok := c.Reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *closeRecorder) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestAsk_CancelMidStreamKeepsPartialAndReleasesReader(t *testing.T) {
	pr, pw := io.Pipe()
	body := &closeRecorder{Reader: pr}
	f := newFixture(t, &fakeBackend{streamBody: body})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstToken := make(chan struct{})
	var once sync.Once
	f.orch.OnTurn = func(turn *model.Turn) {
		if turn.Role == model.RoleAssistant && turn.DisplayContent() == "Dharma is" {
			once.Do(func() { close(firstToken) })
		}
	}

	go func() {
		pw.Write([]byte("event: token\ndata: {\"text\": \"Dharma is\"}\n\n"))
		<-firstToken
		cancel()
		// Anything arriving after cancellation must not be applied.
		pw.Write([]byte("event: token\ndata: {\"text\": \" STRAGGLER\"}\n\n"))
		pw.Close()
	}()

	turn, err := f.orch.Ask(ctx, "What is dharma?")
	require.ErrorIs(t, err, context.Canceled)

	require.NotNil(t, turn, "rendered content survives cancellation")
	assert.Equal(t, "Dharma is", turn.Content)
	assert.NotContains(t, turn.Content, "STRAGGLER")
	assert.True(t, body.wasClosed(), "stream body must be released on cancellation")
	assert.Equal(t, StateIdle, f.orch.State())
}

func TestAsk_AuthenticatedExchangePersists(t *testing.T) {
	backend := &fakeBackend{streamPayload: fullExchange}
	f := newFixture(t, backend)
	f.sess.SetUser("user-1")

	_, err := f.orch.Ask(context.Background(), "What is dharma?")
	require.NoError(t, err)

	assert.Equal(t, 1, backend.createCalls, "first exchange creates the conversation")
	assert.Equal(t, "conv-1", f.sess.ConversationID())
	assert.Equal(t, []string{
		"user:What is dharma?",
		"assistant:Dharma is your sacred duty.",
	}, backend.appended)

	// Nothing lands in the guest buffer for an authenticated user.
	empty, bufErr := f.buffer.IsEmpty()
	require.NoError(t, bufErr)
	assert.True(t, empty)

	// A second exchange reuses the conversation.
	_, err = f.orch.Ask(context.Background(), "And karma?")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.createCalls)
}

func TestAsk_PersistenceFailureIsNotFatal(t *testing.T) {
	backend := &fakeBackend{streamPayload: fullExchange, appendErr: errors.New("503")}
	f := newFixture(t, backend)
	f.sess.SetUser("user-1")

	turn, err := f.orch.Ask(context.Background(), "What is dharma?")
	require.NoError(t, err, "persistence failures are logged, not surfaced")
	assert.Equal(t, "Dharma is your sacred duty.", turn.Content)
}

func TestAsk_OneShotFallback(t *testing.T) {
	backend := &fakeBackend{askResp: &api.AskResponse{
		Answer:         "Dharma is your sacred duty.",
		Confidence:     0.91,
		Sources:        []api.SourcePayload{{VerseRef: "2.47", Score: 0.8}},
		Language:       "en",
		ProcessingTime: 1.5,
	}}
	f := newFixture(t, backend)
	f.orch.opts.StreamEnabled = false

	turn, err := f.orch.Ask(context.Background(), "What is dharma?")
	require.NoError(t, err)

	assert.Equal(t, 1, backend.askCalls)
	assert.Equal(t, 0, backend.streamCalls)
	assert.Equal(t, "Dharma is your sacred duty.", turn.Content)
	assert.Equal(t, 0.91, turn.Confidence)
	assert.Equal(t, int64(1500), turn.LatencyMs)
	require.Len(t, turn.Sources, 1)
	assert.Equal(t, "2.47", turn.Sources[0].VerseRef)
}

func TestAsk_RejectsConcurrentExchange(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{askResp: &api.AskResponse{Answer: "a"}, askGate: gate}
	f := newFixture(t, backend)
	f.orch.opts.StreamEnabled = false

	started := make(chan struct{})
	f.orch.OnState = func(s State) {
		if s == StateStreaming {
			select {
			case <-started:
			default:
				close(started)
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.orch.Ask(context.Background(), "slow question")
	}()

	<-started
	_, err := f.orch.Ask(context.Background(), "second question")
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	wg.Wait()
	assert.Equal(t, StateIdle, f.orch.State())
}

func TestAsk_IncrementalTurnNotifications(t *testing.T) {
	f := newFixture(t, &fakeBackend{streamPayload: fullExchange})

	var snapshots []string
	f.orch.OnTurn = func(t *model.Turn) {
		if t.Role == model.RoleAssistant {
			snapshots = append(snapshots, t.DisplayContent())
		}
	}

	_, err := f.orch.Ask(context.Background(), "What is dharma?")
	require.NoError(t, err)

	// Content grows monotonically across notifications.
	require.NotEmpty(t, snapshots)
	for i := 1; i < len(snapshots); i++ {
		assert.True(t, strings.HasPrefix(snapshots[i], snapshots[i-1]),
			"snapshot %d (%q) must extend %q", i, snapshots[i], snapshots[i-1])
	}
	assert.Equal(t, "Dharma is your sacred duty.", snapshots[len(snapshots)-1])
}

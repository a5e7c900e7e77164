// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// STREAM EVENT TYPES
// =============================================================================

// EventType names a streamed event.
type EventType string

const (
	EventStart    EventType = "start"
	EventThinking EventType = "thinking"
	EventToken    EventType = "token"
	EventSource   EventType = "source"
	EventFollowUp EventType = "follow_up"
	EventMetadata EventType = "metadata"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// IsTerminal reports whether the event ends the exchange.
func (t EventType) IsTerminal() bool {
	return t == EventDone || t == EventError
}

// Metadata carries answer-level metadata delivered near the end of a stream.
type Metadata struct {
	Confidence float64 `json:"confidence"`
	LatencyMs  int64   `json:"latency_ms"`
	Model      string  `json:"model"`
	Language   string  `json:"language,omitempty"`
}

// SourcePayload is a scripture citation as it appears on the wire.
type SourcePayload struct {
	VerseRef string  `json:"verse_ref"`
	Score    float64 `json:"score"`
	Excerpt  string  `json:"excerpt"`
}

// Event is one decoded stream event. Type determines which payload fields are
// meaningful.
type Event struct {
	Type EventType

	Question  string         // start
	Text      string         // token
	Source    *SourcePayload // source
	FollowUps []string       // follow_up
	Metadata  *Metadata      // metadata
	Message   string         // error
	Status    int            // error
}

// =============================================================================
// EVENT READER
// =============================================================================

// EventReader decodes a `text/event-stream`-shaped body into typed events.
//
// The decoder is a pull iterator: each Next call reads frames until one
// complete record (an `event:` line followed by a `data:` line) is available.
// Partial lines split across read boundaries are buffered, never parsed.
// Malformed data payloads are dropped for forward compatibility.
type EventReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	// pending event name, reset after each emission
	eventName string
	haveName  bool

	terminated bool
	closed     bool
}

// NewEventReader wraps a response body. The caller owns cancellation via the
// context passed to Next and must Close the reader on all exit paths.
func NewEventReader(body io.ReadCloser) *EventReader {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	return &EventReader{body: body, scanner: sc}
}

// Next returns the next decoded event. It returns io.EOF when the stream
// ends. If no terminal event was seen before EOF, the caller must treat the
// exchange as abnormally terminated (see Terminated).
func (r *EventReader) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		default:
		}

		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return Event{}, err
			}
			return Event{}, io.EOF
		}

		line := strings.TrimRight(r.scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			r.eventName = strings.TrimSpace(line[len("event:"):])
			r.haveName = true
		case strings.HasPrefix(line, "data:"):
			if !r.haveName {
				continue // data without a preceding event name; skip
			}
			data := strings.TrimSpace(line[len("data:"):])
			name := r.eventName
			r.eventName = ""
			r.haveName = false

			ev, ok := decodeEvent(name, []byte(data))
			if !ok {
				continue // malformed payload, drop the record
			}
			if ev.Type.IsTerminal() {
				r.terminated = true
			}
			return ev, nil
		}
		// blank lines and unknown fields (id:, retry:, comments) are ignored
	}
}

// Terminated reports whether a terminal event (done or error) was decoded.
func (r *EventReader) Terminated() bool {
	return r.terminated
}

// Close releases the underlying body. Safe to call more than once; must be
// called on every exit path, including cancellation.
func (r *EventReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.body.Close()
}

// decodeEvent parses one record into a typed event. Unknown event names and
// malformed payloads report !ok and are dropped by the caller.
func decodeEvent(name string, data []byte) (Event, bool) {
	switch EventType(name) {
	case EventStart:
		var p struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, false
		}
		return Event{Type: EventStart, Question: p.Question}, true

	case EventThinking:
		return Event{Type: EventThinking}, json.Valid(data)

	case EventToken:
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, false
		}
		return Event{Type: EventToken, Text: p.Text}, true

	case EventSource:
		var p SourcePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, false
		}
		return Event{Type: EventSource, Source: &p}, true

	case EventFollowUp:
		var p struct {
			Questions []string `json:"questions"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, false
		}
		return Event{Type: EventFollowUp, FollowUps: p.Questions}, true

	case EventMetadata:
		var p Metadata
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, false
		}
		return Event{Type: EventMetadata, Metadata: &p}, true

	case EventDone:
		return Event{Type: EventDone}, json.Valid(data)

	case EventError:
		var p struct {
			Message    string `json:"message"`
			StatusCode int    `json:"status_code"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, false
		}
		return Event{Type: EventError, Message: p.Message, Status: p.StatusCode}, true

	default:
		// Unknown event type: best-effort protocol, skip the record.
		return Event{}, false
	}
}

// =============================================================================
// STREAM REQUEST
// =============================================================================

// Stream opens a streaming POST and returns an EventReader over the response.
// The request itself is not retried: a broken stream may already have emitted
// tokens, and replaying it would duplicate them.
func (c *Client) Stream(ctx context.Context, path string, body any) (*EventReader, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "encode request: " + err.Error(), cause: err}
	}

	opts := &RequestOptions{Method: http.MethodPost}
	req, err := c.newRequest(ctx, path, payload, "application/json", opts)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: err.Error(), cause: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		resp.Body.Close()
		return nil, ClassifyStatus(resp.StatusCode, serverMessage(body))
	}
	c.logger.Debug("stream opened", "path", path, "latency", time.Since(start))
	return NewEventReader(resp.Body), nil
}

// DecodeAll drains a raw SSE payload into the ordered event sequence. Used in
// tests and for the non-streaming fallback shim.
func DecodeAll(data []byte) []Event {
	r := NewEventReader(io.NopCloser(bytes.NewReader(data)))
	defer r.Close()

	var events []Event
	for {
		ev, err := r.Next(context.Background())
		if err != nil {
			return events
		}
		events = append(events, ev)
	}
}

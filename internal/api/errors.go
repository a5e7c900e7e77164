// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies a request failure.
type ErrorKind string

const (
	// KindNetwork covers connection, DNS, and TLS failures.
	KindNetwork ErrorKind = "network"
	// KindTimeout is a client-side deadline exceeded.
	KindTimeout ErrorKind = "timeout"
	// KindValidation is a 4xx response (other than 429); never retried.
	KindValidation ErrorKind = "validation"
	// KindRateLimited is a 429 response.
	KindRateLimited ErrorKind = "rate_limited"
	// KindServer is a 5xx response.
	KindServer ErrorKind = "server"
	// KindUnknown is anything else; never retried.
	KindUnknown ErrorKind = "unknown"
)

// Error is the uniform error type the client returns, derived from the
// status code or the transport failure.
type Error struct {
	Kind    ErrorKind
	Status  int // HTTP status when available, 408-equivalent for timeouts
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api: %s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the failure is worth another attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// UserMessage returns the short message to surface in the UI. Validation
// errors carry the server-provided message verbatim; transient kinds get a
// retry-oriented message; unknown failures get a generic apology.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return "The guide is unreachable right now. Please try again in a moment."
	case KindValidation:
		return e.Message
	default:
		return "Something went wrong. Please try again."
	}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// ClassifyStatus maps an HTTP status code to an Error.
func ClassifyStatus(status int, message string) *Error {
	var kind ErrorKind
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 400 && status < 500:
		kind = KindValidation
	case status >= 500:
		kind = KindServer
	default:
		kind = KindUnknown
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// classifyTransport maps a transport-level failure to an Error. A cancelled or
// deadline-exceeded request is reported as an HTTP-408 equivalent timeout.
func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Status: http.StatusRequestTimeout, Message: "request timed out", cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Status: http.StatusRequestTimeout, Message: "request timed out", cause: err}
		}
		return &Error{Kind: KindNetwork, Message: netErr.Error(), cause: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindNetwork, Message: opErr.Error(), cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnknown, Message: "request cancelled", cause: err}
	}
	return &Error{Kind: KindNetwork, Message: err.Error(), cause: err}
}

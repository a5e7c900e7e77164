// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout is the default per-request deadline.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps non-streaming response bodies.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

// =============================================================================
// RETRY POLICY
// =============================================================================

// RetryPolicy controls transparent retries of transient failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (original + retries).
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// Multiplier grows the delay between consecutive retries.
	Multiplier float64
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the standard policy: three attempts total with
// delays of 1s and 2s, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
	}
}

// backoff returns the delay before attempt n (1-indexed retry).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
	}
	if capped := float64(p.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// =============================================================================
// CLIENT
// =============================================================================

// TokenSource supplies the bearer token for authenticated requests. The token
// is read-only from the client's perspective; it is written by the login flow.
type TokenSource interface {
	Token() (string, bool)
}

// RequestOptions tunes a single call.
type RequestOptions struct {
	// Method defaults to POST when a body is present, GET otherwise.
	Method string
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
	// SkipRetry propagates the first failure without retrying.
	SkipRetry bool
	// SkipAuth omits the Authorization header.
	SkipAuth bool
	// Query is appended to the request URL.
	Query url.Values
}

// Client issues JSON requests against the guidance backend.
type Client struct {
	baseURL string
	tokens  TokenSource
	logger  *log.Logger
	retry   RetryPolicy

	// Per-request deadline in nanoseconds. Atomic so a config reload can
	// adjust it while requests are in flight.
	timeout atomic.Int64

	// Submission throttle. Protects the backend from a misbehaving caller
	// between quota checks; nil disables throttling.
	limiter *rate.Limiter

	// Connection pooling shared across requests. The streaming client carries
	// no client-level timeout; stream lifetime is context-controlled.
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, tokens TokenSource, logger *log.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		tokens:       tokens,
		logger:       logger,
		retry:        DefaultRetryPolicy(),
		limiter:      rate.NewLimiter(rate.Every(time.Second), 4),
		httpClient:   &http.Client{Transport: transport},
		streamClient: &http.Client{Transport: transport},
	}
	c.timeout.Store(int64(DefaultTimeout))
	return c
}

// WithTimeout sets the default per-request deadline. Safe to call while
// requests are in flight.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout.Store(int64(d))
	return c
}

// Timeout returns the current default per-request deadline.
func (c *Client) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// WithRetryPolicy overrides the retry policy.
func (c *Client) WithRetryPolicy(p RetryPolicy) *Client {
	c.retry = p
	return c
}

// WithLimiter overrides the submission throttle. Pass nil to disable.
func (c *Client) WithLimiter(l *rate.Limiter) *Client {
	c.limiter = l
	return c
}

// =============================================================================
// JSON REQUESTS
// =============================================================================

// Do issues a JSON request and decodes the response into out (when non-nil).
// Transient failures are retried per the retry policy; the caller observes
// only success or the final classified *Error.
func (c *Client) Do(ctx context.Context, path string, body, out any, opts *RequestOptions) error {
	if opts == nil {
		opts = &RequestOptions{}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindUnknown, Message: fmt.Sprintf("encode request: %v", err), cause: err}
		}
	}

	respBody, _, err := c.doWithRetry(ctx, path, payload, "application/json", opts)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Kind: KindUnknown, Message: fmt.Sprintf("decode response: %v", err), cause: err}
	}
	return nil
}

// Upload sends a multipart form and returns the raw response body. Uploads
// are not retried: the form body is consumed by the first attempt and the
// backend call is not idempotent.
func (c *Client) Upload(ctx context.Context, path string, form []byte, contentType string, opts *RequestOptions) ([]byte, error) {
	// Copied so the forced settings never leak into the caller's options.
	var o RequestOptions
	if opts != nil {
		o = *opts
	}
	o.SkipRetry = true
	if o.Method == "" {
		o.Method = http.MethodPost
	}
	body, _, err := c.doWithRetry(ctx, path, form, contentType, &o)
	return body, err
}

// MultipartForm builds a multipart body with a single file field plus string
// fields, returning the encoded body and its content type.
func MultipartForm(fileField, fileName string, file []byte, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(file); err != nil {
		return nil, "", err
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// =============================================================================
// RETRY LOOP
// =============================================================================

// doWithRetry performs the request with the configured retry policy and
// returns the response body and status.
func (c *Client) doWithRetry(ctx context.Context, path string, payload []byte, contentType string, opts *RequestOptions) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, classifyTransport(err)
		}
	}

	attempts := c.retry.MaxAttempts
	if opts.SkipRetry || attempts < 1 {
		attempts = 1
	}

	var lastErr *Error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.retry.backoff(attempt)
			c.logger.Debug("retrying request", "path", path, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, 0, classifyTransport(ctx.Err())
			case <-time.After(delay):
			}
		}

		body, status, err := c.doOnce(ctx, path, payload, contentType, opts)
		if err == nil {
			return body, status, nil
		}
		lastErr = err
		if opts.SkipRetry || !err.Retryable() {
			return nil, status, err
		}
		c.logger.Warn("request failed", "path", path, "kind", err.Kind, "status", err.Status, "attempt", attempt)
	}
	return nil, lastErr.Status, lastErr
}

// doOnce performs a single attempt with its own deadline.
func (c *Client) doOnce(ctx context.Context, path string, payload []byte, contentType string, opts *RequestOptions) ([]byte, int, *Error) {
	timeout := c.Timeout()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, path, payload, contentType, opts)
	if err != nil {
		return nil, 0, &Error{Kind: KindUnknown, Message: err.Error(), cause: err}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, resp.StatusCode, classifyTransport(err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, resp.StatusCode, &Error{Kind: KindUnknown, Message: "response too large"}
	}
	c.logger.Debug("api response", "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, ClassifyStatus(resp.StatusCode, serverMessage(body))
	}
	return body, resp.StatusCode, nil
}

// newRequest builds a request with auth and content headers set.
func (c *Client) newRequest(ctx context.Context, path string, payload []byte, contentType string, opts *RequestOptions) (*http.Request, error) {
	method := opts.Method
	if method == "" {
		if payload != nil {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	u := c.baseURL + path
	if len(opts.Query) > 0 {
		u += "?" + opts.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}

	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "satsang/0.1")
	if !opts.SkipAuth && c.tokens != nil {
		if token, ok := c.tokens.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// serverMessage extracts a human-readable message from an error body.
func serverMessage(body []byte) string {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Detail != "":
			return payload.Detail
		case payload.Message != "":
			return payload.Message
		case payload.Error != "":
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}

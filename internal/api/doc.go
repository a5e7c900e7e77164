// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the HTTP client for the guidance backend.
//
// The client enforces per-request timeouts, classifies failures into a small
// error taxonomy, and transparently retries transient failures with
// exponential backoff. Callers only ever observe success or the final
// classified error, never intermediate attempts.
package api

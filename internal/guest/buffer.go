// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package guest buffers an anonymous user's conversation turns locally until
// they sign in and the turns are migrated to a durable conversation.
//
// The buffer lives in a per-install SQLite database; it is keyed to the
// install, not to any account. Timestamps are stored as ISO-8601 strings.
package guest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/mokshalabs/satsang/internal/model"
)

// Quota is the maximum number of buffered user turns before submission is
// blocked and the upgrade prompt is shown.
const Quota = 10

const schema = `
CREATE TABLE IF NOT EXISTS guest_turns (
	position   INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	sources    TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// =============================================================================
// BUFFER
// =============================================================================

// Buffer is the local store of an anonymous conversation.
type Buffer struct {
	db *sql.DB
}

// Open opens (or creates) the buffer database at path.
func Open(path string) (*Buffer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create buffer dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open guest buffer: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init guest buffer schema: %w", err)
	}
	b := &Buffer{db: db}
	if err := b.ensureInstallID(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the database handle.
func (b *Buffer) Close() error {
	return b.db.Close()
}

// InstallID returns the install-scoped identifier the buffer is keyed under.
func (b *Buffer) InstallID() (string, error) {
	var id string
	err := b.db.QueryRow(`SELECT value FROM meta WHERE key = 'install_id'`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("read install id: %w", err)
	}
	return id, nil
}

func (b *Buffer) ensureInstallID() error {
	_, err := b.db.Exec(
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('install_id', ?)`,
		uuid.NewString(),
	)
	return err
}

// =============================================================================
// TURN OPERATIONS
// =============================================================================

// Append persists one turn at the end of the buffer.
func (b *Buffer) Append(t *model.Turn) error {
	sources, err := json.Marshal(t.Sources)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(
		`INSERT INTO guest_turns (id, role, content, created_at, confidence, sources)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Role.String(), t.DisplayContent(),
		t.Timestamp.UTC().Format(time.RFC3339Nano),
		t.Confidence, string(sources),
	)
	if err != nil {
		return fmt.Errorf("append guest turn: %w", err)
	}
	return nil
}

// LoadAll returns all buffered turns in original append order.
func (b *Buffer) LoadAll() ([]*model.Turn, error) {
	rows, err := b.db.Query(
		`SELECT id, role, content, created_at, confidence, sources
		 FROM guest_turns ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("load guest turns: %w", err)
	}
	defer rows.Close()

	var turns []*model.Turn
	for rows.Next() {
		var (
			t         model.Turn
			role      string
			createdAt string
			sources   string
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &createdAt, &t.Confidence, &sources); err != nil {
			return nil, err
		}
		t.Role = model.Role(role)
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse turn timestamp %q: %w", createdAt, err)
		}
		t.Timestamp = ts
		if err := json.Unmarshal([]byte(sources), &t.Sources); err != nil {
			return nil, fmt.Errorf("parse turn sources: %w", err)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// Clear removes all buffered turns. The install id is retained.
func (b *Buffer) Clear() error {
	if _, err := b.db.Exec(`DELETE FROM guest_turns`); err != nil {
		return fmt.Errorf("clear guest buffer: %w", err)
	}
	return nil
}

// IsEmpty reports whether the buffer holds no turns.
func (b *Buffer) IsEmpty() (bool, error) {
	n, err := b.count(``)
	return n == 0, err
}

// UserTurnCount returns the number of buffered user turns, which is what the
// quota counts.
func (b *Buffer) UserTurnCount() (int, error) {
	return b.count(`WHERE role = 'user'`)
}

// IsOverQuota reports whether a new question must be blocked client-side.
func (b *Buffer) IsOverQuota() (bool, error) {
	n, err := b.UserTurnCount()
	if err != nil {
		return false, err
	}
	return n >= Quota, nil
}

func (b *Buffer) count(where string) (int, error) {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM guest_turns ` + where).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count guest turns: %w", err)
	}
	return n, nil
}

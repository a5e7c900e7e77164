// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package secure

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir)
	require.NoError(t, err)

	_, ok := s.Token()
	assert.False(t, ok, "fresh store should have no token")

	require.NoError(t, s.Save(Credentials{Token: "jwt-abc", UserID: "user-1"}))

	token, ok := s.Token()
	require.True(t, ok)
	assert.Equal(t, "jwt-abc", token)

	// Reopen from disk.
	s2, err := NewStore(dir)
	require.NoError(t, err)
	token, ok = s2.Token()
	require.True(t, ok)
	assert.Equal(t, "jwt-abc", token)
	uid, ok := s2.UserID()
	require.True(t, ok)
	assert.Equal(t, "user-1", uid)
}

func TestStore_TokenNeverStoredPlaintext(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(Credentials{Token: "super-secret-token", UserID: "user-1"}))

	raw, err := os.ReadFile(filepath.Join(dir, "credentials.enc"))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "super-secret-token"),
		"token must not appear in the credential file")
}

func TestStore_Clear(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(Credentials{Token: "t", UserID: "u"}))
	require.NoError(t, s.Clear())

	_, ok := s.Token()
	assert.False(t, ok)

	// Clear is idempotent.
	require.NoError(t, s.Clear())

	s2, err := NewStore(dir)
	require.NoError(t, err)
	_, ok = s2.Token()
	assert.False(t, ok)
}

func TestStore_TamperedFileRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(Credentials{Token: "t", UserID: "u"}))

	path := filepath.Join(dir, "credentials.enc")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 'x'
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = NewStore(dir)
	assert.ErrorIs(t, err, ErrCorrupt)
}

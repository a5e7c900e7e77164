// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secure stores the auth credentials encrypted at rest.
//
// Credentials are sealed with AES-256-GCM under a key derived via
// PBKDF2-SHA-256 from a per-install random seed. The seed lives next to the
// credential file with 0600 permissions; neither the token nor the user id
// ever touches plain preferences.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// keySize is the AES-256 key length.
	keySize = 32
	// saltSize is the PBKDF2 salt length.
	saltSize = 32
	// nonceSize is the AES-GCM nonce length.
	nonceSize = 12
	// iterations is the PBKDF2 iteration count (OWASP 2023 floor for SHA-256).
	iterations = 600000

	credFile = "credentials.enc"
	seedFile = "install.key"
)

var (
	// ErrNoCredentials indicates no stored credentials exist.
	ErrNoCredentials = errors.New("secure: no stored credentials")
	// ErrCorrupt indicates the credential file failed authentication.
	ErrCorrupt = errors.New("secure: credential decryption failed")
)

// =============================================================================
// CREDENTIALS
// =============================================================================

// Credentials is the sealed payload.
type Credentials struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// =============================================================================
// STORE
// =============================================================================

// Store persists credentials encrypted under a per-install key. It implements
// api.TokenSource; Token reads are served from an in-memory copy.
type Store struct {
	dir string

	mu    sync.RWMutex
	creds *Credentials
}

// NewStore opens (or initializes) the store in dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secure dir: %w", err)
	}
	s := &Store{dir: dir}
	creds, err := s.load()
	switch {
	case err == nil:
		s.creds = creds
	case errors.Is(err, ErrNoCredentials):
		// first run
	default:
		return nil, err
	}
	return s, nil
}

// Token returns the bearer token, implementing api.TokenSource.
func (s *Store) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil || s.creds.Token == "" {
		return "", false
	}
	return s.creds.Token, true
}

// UserID returns the authenticated user id, if any.
func (s *Store) UserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil || s.creds.UserID == "" {
		return "", false
	}
	return s.creds.UserID, true
}

// Save seals and persists credentials.
func (s *Store) Save(creds Credentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	seed, err := s.installSeed()
	if err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key := pbkdf2.Key(seed, salt, iterations, keySize, sha256.New)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	// layout: salt | nonce | ciphertext+tag
	blob := append(append(append([]byte{}, salt...), nonce...), sealed...)
	encoded := base64.StdEncoding.EncodeToString(blob)

	if err := writeFileAtomic(filepath.Join(s.dir, credFile), []byte(encoded), 0o600); err != nil {
		return err
	}

	s.mu.Lock()
	s.creds = &creds
	s.mu.Unlock()
	return nil
}

// Clear removes stored credentials (logout).
func (s *Store) Clear() error {
	s.mu.Lock()
	s.creds = nil
	s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, credFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// load reads and unseals the credential file.
func (s *Store) load() (*Credentials, error) {
	encoded, err := os.ReadFile(filepath.Join(s.dir, credFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCredentials
		}
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil || len(blob) < saltSize+nonceSize+1 {
		return nil, ErrCorrupt
	}

	seed, err := s.installSeed()
	if err != nil {
		return nil, err
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	sealed := blob[saltSize+nonceSize:]

	key := pbkdf2.Key(seed, salt, iterations, keySize, sha256.New)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCorrupt
	}
	defer zero(plaintext)

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, ErrCorrupt
	}
	return &creds, nil
}

// installSeed returns the per-install random seed, creating it on first use.
func (s *Store) installSeed() ([]byte, error) {
	path := filepath.Join(s.dir, seedFile)
	seed, err := os.ReadFile(path)
	if err == nil && len(seed) == keySize {
		return seed, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	seed = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, seed, 0o600); err != nil {
		return nil, err
	}
	return seed, nil
}

// zero wipes key material to limit exposure in crash dumps.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// writeFileAtomic writes via a temp file and rename so a crash never leaves a
// partially written credential file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	ok = true
	return nil
}

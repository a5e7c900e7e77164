// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for satsang.
//
// Configuration is read from ~/.satsang/config.toml with built-in defaults and
// environment variable overrides (SATSANG_*). A watcher can reload the file
// live for settings that are safe to change mid-session.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete satsang configuration.
type Config struct {
	Version string `toml:"version"`

	API   APIConfig   `toml:"api"`
	Chat  ChatConfig  `toml:"chat"`
	Voice VoiceConfig `toml:"voice"`
	Log   LogConfig   `toml:"log"`
}

// APIConfig configures the backend client.
type APIConfig struct {
	// BaseURL is the guidance backend root.
	BaseURL string `toml:"base_url"`
	// TimeoutMs is the per-request deadline in milliseconds.
	TimeoutMs int `toml:"timeout_ms"`
	// StreamEnabled selects streaming answers; when false the non-streaming
	// /text fallback is used.
	StreamEnabled bool `toml:"stream_enabled"`
}

// ChatConfig configures the exchange pipeline.
type ChatConfig struct {
	// PreferredLanguage seeds the preferred answer language; a detected
	// language from stream metadata overrides it for the session.
	PreferredLanguage string `toml:"preferred_language"`
	// ContextTurns is how many recent turns to request as short-term context.
	ContextTurns int `toml:"context_turns"`
}

// VoiceConfig configures speech endpoints.
type VoiceConfig struct {
	// TTSEnabled gates synthesized audio playback.
	TTSEnabled bool `toml:"tts_enabled"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}

// Timeout returns the API timeout as a duration.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		API: APIConfig{
			BaseURL:       "https://api.satsang.app",
			TimeoutMs:     30000,
			StreamEnabled: true,
		},
		Chat: ChatConfig{
			PreferredLanguage: "en",
			ContextTurns:      10,
		},
		Voice: VoiceConfig{
			TTSEnabled: false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Dir returns the satsang data directory (~/.satsang).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".satsang"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads configuration from the default path, applying defaults and
// environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from SATSANG_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("SATSANG_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("SATSANG_API_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.API.TimeoutMs = n
		}
	}
	if v := os.Getenv("SATSANG_STREAM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.API.StreamEnabled = b
		}
	}
	if v := os.Getenv("SATSANG_LANGUAGE"); v != "" {
		c.Chat.PreferredLanguage = v
	}
	if v := os.Getenv("SATSANG_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks settings that would break the client at runtime.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api.base_url %q", c.API.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url scheme must be http or https, got %q", u.Scheme)
	}
	if c.API.TimeoutMs <= 0 {
		return errors.New("api.timeout_ms must be positive")
	}
	if c.Chat.ContextTurns < 1 {
		return errors.New("chat.context_turns must be at least 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// Save writes the configuration to the default path.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

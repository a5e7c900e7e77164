// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.API.TimeoutMs != 30000 {
		t.Errorf("TimeoutMs = %d, want 30000", cfg.API.TimeoutMs)
	}
	if !cfg.API.StreamEnabled {
		t.Error("StreamEnabled should default to true")
	}
}

func TestLoadFrom_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[api]
base_url = "http://localhost:8000"
timeout_ms = 5000
stream_enabled = false

[chat]
preferred_language = "hi"
context_turns = 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.API.BaseURL != "http://localhost:8000" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout() != 5*time.Second {
		t.Errorf("Timeout = %v", cfg.API.Timeout())
	}
	if cfg.Chat.PreferredLanguage != "hi" {
		t.Errorf("PreferredLanguage = %q", cfg.Chat.PreferredLanguage)
	}
	// Untouched sections keep defaults.
	if cfg.Log.Level != "info" {
		t.Errorf("Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("SATSANG_API_URL", "http://127.0.0.1:9000")
	t.Setenv("SATSANG_LANGUAGE", "ta")
	t.Setenv("SATSANG_STREAM", "false")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.API.BaseURL != "http://127.0.0.1:9000" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.Chat.PreferredLanguage != "ta" {
		t.Errorf("PreferredLanguage = %q", cfg.Chat.PreferredLanguage)
	}
	if cfg.API.StreamEnabled {
		t.Error("StreamEnabled should be overridden to false")
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty url", func(c *Config) { c.API.BaseURL = "" }},
		{"bad scheme", func(c *Config) { c.API.BaseURL = "ftp://example.com" }},
		{"zero timeout", func(c *Config) { c.API.TimeoutMs = 0 }},
		{"zero context turns", func(c *Config) { c.Chat.ContextTurns = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[chat]\npreferred_language = \"en\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	if err := w.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	next := "[api]\ntimeout_ms = 5000\n\n[chat]\npreferred_language = \"hi\"\n"
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Chat.PreferredLanguage != "hi" {
			t.Errorf("PreferredLanguage = %q, want hi", cfg.Chat.PreferredLanguage)
		}
		if cfg.API.Timeout() != 5*time.Second {
			t.Errorf("Timeout = %v, want 5s", cfg.API.Timeout())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

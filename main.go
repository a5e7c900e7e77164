// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command satsang is a terminal client for spiritual guidance conversations.
// It streams answers from the guidance backend, keeps guest conversations in
// a local buffer, and migrates them to the user's account on sign-in.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"

	"github.com/mokshalabs/satsang/internal/api"
	"github.com/mokshalabs/satsang/internal/chat"
	"github.com/mokshalabs/satsang/internal/config"
	"github.com/mokshalabs/satsang/internal/guest"
	"github.com/mokshalabs/satsang/internal/memory"
	"github.com/mokshalabs/satsang/internal/model"
	"github.com/mokshalabs/satsang/internal/secure"
	"github.com/mokshalabs/satsang/internal/session"
	"github.com/mokshalabs/satsang/internal/syncer"
	"github.com/mokshalabs/satsang/internal/ui"
	"github.com/mokshalabs/satsang/internal/voice"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "satsang:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logFile, err := newLogger(cfg)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}

	store, err := secure.NewStore(dir)
	if err != nil {
		return err
	}

	sess := session.New(cfg.Chat.PreferredLanguage)
	if userID, ok := store.UserID(); ok {
		sess.SetUser(userID)
	}

	client := api.NewClient(cfg.API.BaseURL, store, logger).
		WithTimeout(cfg.API.Timeout())

	buffer, err := guest.Open(filepath.Join(dir, "guest.db"))
	if err != nil {
		return err
	}
	defer buffer.Close()

	fetcher := memory.NewFetcher(client, memory.NewCache(cfg.Chat.ContextTurns*2), logger)
	orch := chat.New(client, fetcher, buffer, sess, logger, chat.Options{
		StreamEnabled: cfg.API.StreamEnabled,
		ContextTurns:  cfg.Chat.ContextTurns,
	})
	coordinator := syncer.New(client, buffer, sess, logger)
	speech := voice.New(client, logger, cfg.Voice.TTSEnabled)

	program := tea.NewProgram(
		ui.New(buildDeps(deps{
			orch:        orch,
			coordinator: coordinator,
			store:       store,
			sess:        sess,
			buffer:      buffer,
			client:      client,
			speech:      speech,
			dataDir:     dir,
			logger:      logger,
		})),
		tea.WithAltScreen(),
	)

	// Stream progress is pushed into the UI loop; turns are cloned so the
	// exchange goroutine never shares mutable state with the renderer.
	orch.OnState = func(s chat.State) {
		program.Send(ui.PhaseMsg{State: s})
	}
	orch.OnTurn = func(t *model.Turn) {
		program.Send(ui.TurnMsg{Turn: t.Clone()})
	}
	coordinator.OnMigrated = func(conversationID string, turns []*model.Turn) {
		program.Send(ui.MigratedMsg{ConversationID: conversationID, Turns: turns})
	}

	// Live config reload covers the safe-to-change settings only.
	if path, err := config.Path(); err == nil {
		watcher, werr := config.NewWatcher(path, func(next *config.Config) {
			logger.SetLevel(parseLevel(next.Log.Level))
			client.WithTimeout(next.API.Timeout())
			sess.SetPreferredLanguage(next.Chat.PreferredLanguage)
			logger.Info("configuration reloaded",
				"log_level", next.Log.Level,
				"timeout_ms", next.API.TimeoutMs,
				"preferred_language", next.Chat.PreferredLanguage)
		})
		if werr == nil {
			if err := watcher.Watch(); err == nil {
				defer watcher.Close()
			}
		} else {
			logger.Warn("config watcher unavailable", "error", werr)
		}
	}

	// A signed-in user with leftover guest turns from a previous run gets
	// them migrated at startup.
	if sess.Authenticated() {
		go func() {
			if err := coordinator.Migrate(context.Background()); err != nil {
				logger.Warn("startup migration failed", "error", err)
			}
		}()
	}

	_, err = program.Run()
	return err
}

// deps bundles the services the screen actions close over.
type deps struct {
	orch        *chat.Orchestrator
	coordinator *syncer.Coordinator
	store       *secure.Store
	sess        *session.Session
	buffer      *guest.Buffer
	client      *api.Client
	speech      *voice.Service
	dataDir     string
	logger      *log.Logger
}

// buildDeps wires the screen's actions to the underlying services.
func buildDeps(d deps) ui.Deps {
	return ui.Deps{
		Ask: func(question string) (*model.Turn, error) {
			return d.orch.Ask(context.Background(), question)
		},
		Login: func(userID, token string) error {
			if err := d.store.Save(secure.Credentials{Token: token, UserID: userID}); err != nil {
				return err
			}
			d.sess.SetUser(userID)
			go func() {
				if err := d.coordinator.Migrate(context.Background()); err != nil {
					d.logger.Warn("guest migration failed", "error", err)
				}
			}()
			return nil
		},
		Logout: func() error {
			if err := d.store.Clear(); err != nil {
				return err
			}
			d.sess.Logout()
			return nil
		},
		QuotaRemaining: func() (int, error) {
			used, err := d.buffer.UserTurnCount()
			if err != nil {
				return 0, err
			}
			left := guest.Quota - used
			if left < 0 {
				left = 0
			}
			return left, nil
		},
		Authenticated: d.sess.Authenticated,
		LoadConversation: func(id string) (*model.Conversation, error) {
			conv, err := d.client.GetConversation(context.Background(), id)
			if err != nil {
				return nil, err
			}
			d.sess.SetConversationID(conv.ID)
			return conv, nil
		},
		TranscribeFile: func(path string) (string, error) {
			clip, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			t, err := d.speech.Transcribe(context.Background(), clip, d.sess.Language())
			if err != nil {
				return "", err
			}
			return t.Text, nil
		},
		Speak: func(text string) (string, error) {
			audio, err := d.speech.Synthesize(context.Background(), text, d.sess.Language())
			if err != nil {
				return "", err
			}
			path := filepath.Join(d.dataDir, "answer.wav")
			if err := os.WriteFile(path, audio, 0o644); err != nil {
				return "", err
			}
			return path, nil
		},
	}
}

// newLogger builds the application logger. Logs go to a file so they never
// tear the alternate screen.
func newLogger(cfg *config.Config) (*log.Logger, *os.File, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "satsang.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	logger := log.NewWithOptions(f, log.Options{
		ReportTimestamp: true,
		Level:           parseLevel(cfg.Log.Level),
	})
	return logger, f, nil
}

func parseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

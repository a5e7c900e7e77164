// Copyright (c) 2025 Moksha Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package voice handles spoken questions and spoken answers: WAV clips are
// validated locally, transcribed server-side, and answers can be synthesized
// back to audio.
package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-audio/wav"

	"github.com/mokshalabs/satsang/internal/api"
)

const (
	// MaxClipBytes caps the size of an uploaded clip.
	MaxClipBytes = 10 * 1024 * 1024

	// MaxClipDuration caps the length of an uploaded clip.
	MaxClipDuration = 2 * time.Minute
)

var (
	// ErrInvalidAudio is returned when the clip is not a decodable WAV file.
	ErrInvalidAudio = errors.New("clip is not valid WAV audio")

	// ErrClipTooLong is returned when the clip exceeds MaxClipDuration.
	ErrClipTooLong = errors.New("clip exceeds the maximum duration")

	// ErrClipTooLarge is returned when the clip exceeds MaxClipBytes.
	ErrClipTooLarge = errors.New("clip exceeds the maximum size")
)

// =============================================================================
// TYPES
// =============================================================================

// Transcription is the text recovered from a spoken question.
type Transcription struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// Uploader is the slice of the API client the service needs.
type Uploader interface {
	Upload(ctx context.Context, path string, form []byte, contentType string, opts *api.RequestOptions) ([]byte, error)
	Do(ctx context.Context, path string, body, out any, opts *api.RequestOptions) error
}

// Service transcribes questions and synthesizes answers.
type Service struct {
	client     Uploader
	logger     *log.Logger
	ttsEnabled bool
}

// New creates a voice service. ttsEnabled gates answer synthesis.
func New(client Uploader, logger *log.Logger, ttsEnabled bool) *Service {
	return &Service{client: client, logger: logger, ttsEnabled: ttsEnabled}
}

// =============================================================================
// TRANSCRIPTION
// =============================================================================

// Transcribe validates a WAV clip locally and sends it for transcription.
// Validation failures never reach the network.
func (s *Service) Transcribe(ctx context.Context, clip []byte, language string) (*Transcription, error) {
	if err := ValidateClip(clip); err != nil {
		return nil, err
	}

	fields := map[string]string{}
	if language != "" {
		fields["language"] = language
	}
	form, contentType, err := api.MultipartForm("audio", "question.wav", clip, fields)
	if err != nil {
		return nil, fmt.Errorf("encode clip: %w", err)
	}

	start := time.Now()
	body, err := s.client.Upload(ctx, "/voice/stt", form, contentType, nil)
	if err != nil {
		return nil, err
	}

	var t Transcription
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode transcription: %w", err)
	}
	s.logger.Debug("clip transcribed",
		"bytes", len(clip), "language", t.Language, "duration", time.Since(start))
	return &t, nil
}

// ValidateClip checks that the clip is decodable WAV within the size and
// duration limits.
func ValidateClip(clip []byte) error {
	if len(clip) > MaxClipBytes {
		return ErrClipTooLarge
	}
	dec := wav.NewDecoder(bytes.NewReader(clip))
	if !dec.IsValidFile() {
		return ErrInvalidAudio
	}
	dur, err := dec.Duration()
	if err != nil {
		return ErrInvalidAudio
	}
	if dur > MaxClipDuration {
		return ErrClipTooLong
	}
	return nil
}

// =============================================================================
// SYNTHESIS
// =============================================================================

// synthesizeRequest is the body for POST /voice/tts.
type synthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// synthesizeResponse carries the synthesized audio, base64-encoded.
type synthesizeResponse struct {
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

// CanSynthesize reports whether spoken answers are enabled.
func (s *Service) CanSynthesize() bool {
	return s.ttsEnabled
}

// Synthesize converts an answer to audio. Returns the decoded audio bytes.
func (s *Service) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	if !s.ttsEnabled {
		return nil, errors.New("speech synthesis is disabled")
	}

	var resp synthesizeResponse
	req := synthesizeRequest{Text: text, Language: language}
	if err := s.client.Do(ctx, "/voice/tts", req, &resp, nil); err != nil {
		return nil, err
	}

	audio, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode synthesized audio: %w", err)
	}
	s.logger.Debug("answer synthesized", "chars", len(text), "bytes", len(audio))
	return audio, nil
}

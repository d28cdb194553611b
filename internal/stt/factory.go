package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// DefaultDemoSentences drive the mock recognizer when no script is given.
var DefaultDemoSentences = []string{
	"live captions are running",
	"this text comes from the mock recognizer",
	"switch stt mode to vosk or whisper for real speech",
}

// New builds the recognizer selected by cfg.Mode. Missing model paths are
// reported as ErrModelNotFound before any backend is loaded.
func New(ctx context.Context, cfg config.STTConfig, sampleRate int, logger *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "vosk":
		if err := requirePath(cfg.ModelPath); err != nil {
			return nil, err
		}
		return NewVoskRecognizer(cfg.ModelPath, sampleRate)
	case "whisper":
		if err := requirePath(cfg.ModelPath); err != nil {
			return nil, err
		}
		tr, err := NewWhisperTranscriber(cfg.ModelPath, cfg.Language)
		if err != nil {
			return nil, err
		}
		return NewSegmentingRecognizer(ctx, tr, segmentConfig(cfg, sampleRate), logger), nil
	case "exec":
		tr, err := NewExecTranscriber(cfg.Command, cfg.ModelPath, cfg.Language)
		if err != nil {
			return nil, err
		}
		return NewSegmentingRecognizer(ctx, tr, segmentConfig(cfg, sampleRate), logger), nil
	case "mock":
		return NewMockRecognizer(DemoScript(DefaultDemoSentences, 4), true), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func segmentConfig(cfg config.STTConfig, sampleRate int) SegmentConfig {
	return SegmentConfig{
		SampleRate:       sampleRate,
		PartialEvery:     time.Duration(cfg.PartialEveryMS) * time.Millisecond,
		Silence:          time.Duration(cfg.SilenceMS) * time.Millisecond,
		MaxUtterance:     time.Duration(cfg.MaxUtteranceMS) * time.Millisecond,
		SilenceThreshold: cfg.SilenceThreshold,
	}
}

func requirePath(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return fmt.Errorf("stat stt model: %w", err)
	}
	return nil
}

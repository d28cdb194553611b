//go:build whisper_cpp

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-captions/internal/audio"
)

// minWhisperSamples skips chunks shorter than 100ms at 16kHz.
const minWhisperSamples = 1600

// WhisperTranscriber runs whisper.cpp over each chunk. A fresh decoding
// context is created per call; the model is shared and calls are serialized.
type WhisperTranscriber struct {
	model    whisperpkg.Model
	language string
	threads  uint
	mu       sync.Mutex
}

func NewWhisperTranscriber(modelPath, language string) (*WhisperTranscriber, error) {
	model, err := whisperpkg.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	if language == "" {
		language = "auto"
	}
	return &WhisperTranscriber{model: model, language: language, threads: uint(runtime.NumCPU())}, nil
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, pcm []byte, _ int, _ int, _ bool) (TranscriptResult, error) {
	samples := audio.DecodePCM16LE(pcm).Float32()
	if len(samples) < minWhisperSamples {
		return TranscriptResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	wctx, err := w.model.NewContext()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create whisper context: %w", err)
	}
	wctx.SetThreads(w.threads)
	if err := wctx.SetLanguage(w.language); err != nil {
		return TranscriptResult{}, fmt.Errorf("set whisper language: %w", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return TranscriptResult{}, fmt.Errorf("process audio: %w", err)
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return TranscriptResult{}, fmt.Errorf("read whisper segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			segments = append(segments, text)
		}
	}
	return TranscriptResult{Text: strings.Join(segments, " ")}, nil
}

func (w *WhisperTranscriber) Close() error {
	if w.model != nil {
		return w.model.Close()
	}
	return nil
}

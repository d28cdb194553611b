//go:build !whisper_cpp

package stt

import (
	"context"
	"fmt"
)

type WhisperTranscriber struct{}

func NewWhisperTranscriber(string, string) (*WhisperTranscriber, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags whisper_cpp", ErrBackendUnavailable)
}

func (*WhisperTranscriber) Transcribe(context.Context, []byte, int, int, bool) (TranscriptResult, error) {
	return TranscriptResult{}, ErrBackendUnavailable
}

func (*WhisperTranscriber) Close() error { return nil }

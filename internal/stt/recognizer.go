package stt

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrModelNotFound      = errors.New("stt model not found")
	ErrBackendUnavailable = errors.New("stt backend not compiled in")
)

// Recognizer consumes 16-bit little-endian mono PCM one frame at a time.
// AcceptWaveform reports true at an utterance boundary, after which Final
// returns the committed text and the recognizer starts a new utterance.
// Implementations are used from a single goroutine.
type Recognizer interface {
	AcceptWaveform(pcm []byte) (bool, error)
	Partial() string
	Final() string
	Close() error
}

// Flusher is implemented by recognizers that can commit a trailing
// utterance when the audio stream ends.
type Flusher interface {
	Flush() (string, error)
}

// TranscriptResult captures output of chunk-based backends.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Transcriber turns a complete PCM chunk into text. Chunk backends are
// wrapped in a SegmentingRecognizer to satisfy Recognizer.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

// Result is one normalized recognition outcome.
type Result struct {
	Text  string
	Final bool
}

// Step feeds pcm to r and normalizes the outcome. ok is false when there is
// nothing to emit: whitespace-only text is suppressed.
func Step(r Recognizer, pcm []byte) (res Result, ok bool, err error) {
	boundary, err := r.AcceptWaveform(pcm)
	if err != nil {
		return Result{}, false, err
	}
	if boundary {
		res = Result{Text: strings.TrimSpace(r.Final()), Final: true}
	} else {
		res = Result{Text: strings.TrimSpace(r.Partial())}
	}
	return res, res.Text != "", nil
}

// Flush commits any trailing utterance held by r.
func Flush(r Recognizer) (Result, bool, error) {
	f, ok := r.(Flusher)
	if !ok {
		return Result{}, false, nil
	}
	text, err := f.Flush()
	if err != nil {
		return Result{}, false, err
	}
	text = strings.TrimSpace(text)
	return Result{Text: text, Final: true}, text != "", nil
}

package stt

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
)

type SegmentConfig struct {
	SampleRate       int
	PartialEvery     time.Duration
	Silence          time.Duration
	MaxUtterance     time.Duration
	SilenceThreshold float64
	CallTimeout      time.Duration
}

// SegmentingRecognizer adapts a chunk Transcriber to the streaming
// Recognizer contract. An energy gate opens an utterance on the first voiced
// frame; the utterance ends after Silence of quiet audio or at MaxUtterance.
// While an utterance is open the accumulated audio is re-transcribed every
// PartialEvery to refresh the partial. All timing is measured in audio time.
type SegmentingRecognizer struct {
	ctx    context.Context
	tr     Transcriber
	cfg    SegmentConfig
	logger *slog.Logger

	buf          []byte
	open         bool
	utterance    time.Duration
	silent       time.Duration
	sincePartial time.Duration
	partial      string
	final        string
}

func NewSegmentingRecognizer(ctx context.Context, tr Transcriber, cfg SegmentConfig, logger *slog.Logger) *SegmentingRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 45 * time.Second
	}
	return &SegmentingRecognizer{
		ctx:    ctx,
		tr:     tr,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "stt")),
	}
}

func (s *SegmentingRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	frame := audio.DecodePCM16LE(pcm)
	dur := time.Duration(len(frame)) * time.Second / time.Duration(s.cfg.SampleRate)
	voiced := frame.RMS() >= s.cfg.SilenceThreshold

	if !s.open {
		if !voiced {
			return false, nil
		}
		s.open = true
	}
	if voiced {
		s.silent = 0
	} else {
		s.silent += dur
	}
	s.buf = append(s.buf, pcm...)
	s.utterance += dur
	s.sincePartial += dur

	if s.silent >= s.cfg.Silence || (s.cfg.MaxUtterance > 0 && s.utterance >= s.cfg.MaxUtterance) {
		text, err := s.transcribe(true)
		s.reset()
		if err != nil {
			return false, err
		}
		s.final = text
		return true, nil
	}

	if s.cfg.PartialEvery > 0 && s.sincePartial >= s.cfg.PartialEvery {
		s.sincePartial = 0
		text, err := s.transcribe(false)
		if err != nil {
			s.logger.Warn("partial transcription failed", slogError(err))
			return false, nil
		}
		s.partial = text
	}
	return false, nil
}

func (s *SegmentingRecognizer) transcribe(final bool) (string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	defer cancel()
	result, err := s.tr.Transcribe(ctx, s.buf, s.cfg.SampleRate, 1, final)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func (s *SegmentingRecognizer) reset() {
	s.buf = s.buf[:0]
	s.open = false
	s.utterance = 0
	s.silent = 0
	s.sincePartial = 0
	s.partial = ""
}

func (s *SegmentingRecognizer) Partial() string { return s.partial }

func (s *SegmentingRecognizer) Final() string {
	text := s.final
	s.final = ""
	return text
}

// Flush transcribes whatever remains of an open utterance.
func (s *SegmentingRecognizer) Flush() (string, error) {
	if !s.open || len(s.buf) == 0 {
		return "", nil
	}
	text, err := s.transcribe(true)
	s.reset()
	return text, err
}

func (s *SegmentingRecognizer) Close() error {
	s.reset()
	if c, ok := s.tr.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

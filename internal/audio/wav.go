package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// WAVSource replays a WAV file as if it were live audio. Multi-channel files
// are downmixed and other sample rates are resampled. With Realtime set each
// frame is paced to its wall-clock duration.
type WAVSource struct {
	Path     string
	Realtime bool

	samples   []float32
	pos       int
	frameSize int
	interval  time.Duration
	next      time.Time
}

func NewWAVSource(path string, realtime bool) *WAVSource {
	return &WAVSource{Path: path, Realtime: realtime}
}

func (s *WAVSource) Open(_ context.Context, sampleRate, frameSize int) error {
	file, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	samples, rate, err := DecodeWAV(file)
	if err != nil {
		return err
	}
	s.samples = ResampleLinear(samples, rate, sampleRate)
	s.pos = 0
	s.frameSize = frameSize
	s.interval = FrameInterval(sampleRate, frameSize)
	s.next = time.Time{}
	return nil
}

func (s *WAVSource) Read(ctx context.Context) ([]float32, error) {
	if s.frameSize == 0 {
		return nil, ErrNotOpen
	}
	if s.pos >= len(s.samples) {
		return nil, ErrEndOfStream
	}
	if s.Realtime {
		if err := s.pace(ctx); err != nil {
			return nil, err
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame := make([]float32, s.frameSize)
	n := copy(frame, s.samples[s.pos:])
	s.pos += n
	return frame, nil
}

func (s *WAVSource) pace(ctx context.Context) error {
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	wait := s.next.Sub(now)
	s.next = s.next.Add(s.interval)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *WAVSource) Close() error {
	s.samples = nil
	return nil
}

// DecodeWAV reads a PCM WAV stream and returns mono float32 samples in
// [-1, 1] together with the file's sample rate.
func DecodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, 0, errors.New("empty wav buffer")
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))

	channels := int(dec.NumChans)
	if channels <= 0 && buf.Format != nil {
		channels = buf.Format.NumChannels
	}
	if channels <= 0 {
		channels = 1
	}
	out := make([]float32, len(buf.Data)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		out[i] = sum / float32(channels)
	}

	rate := int(dec.SampleRate)
	if rate == 0 && buf.Format != nil {
		rate = buf.Format.SampleRate
	}
	if rate == 0 {
		rate = 16000
	}
	return out, rate, nil
}

package audio

import (
	"context"
	"time"
)

// SilenceSource emits zero-valued frames paced at the frame interval. It is
// used for demos with the mock recognizer and for dry runs without a device.
type SilenceSource struct {
	frameSize int
	ticker    *time.Ticker
}

func NewSilenceSource() *SilenceSource {
	return &SilenceSource{}
}

func (s *SilenceSource) Open(_ context.Context, sampleRate, frameSize int) error {
	s.frameSize = frameSize
	interval := FrameInterval(sampleRate, frameSize)
	if interval <= 0 {
		interval = time.Millisecond
	}
	s.ticker = time.NewTicker(interval)
	return nil
}

func (s *SilenceSource) Read(ctx context.Context) ([]float32, error) {
	if s.ticker == nil {
		return nil, ErrNotOpen
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ticker.C:
		return make([]float32, s.frameSize), nil
	}
}

func (s *SilenceSource) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}

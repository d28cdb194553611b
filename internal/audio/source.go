package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEndOfStream is returned by finite sources once every frame was read.
	ErrEndOfStream    = errors.New("audio stream ended")
	ErrNotOpen        = errors.New("audio source not open")
	ErrDeviceNotFound = errors.New("audio device not found")
)

// Source delivers mono float32 frames of a fixed size at a fixed rate.
// Read blocks until a full frame is available or ctx is done.
type Source interface {
	Open(ctx context.Context, sampleRate, frameSize int) error
	Read(ctx context.Context) ([]float32, error)
	Close() error
}

// FrameInterval is the wall-clock duration covered by one frame.
func FrameInterval(sampleRate, frameSize int) time.Duration {
	if sampleRate <= 0 || frameSize <= 0 {
		return 0
	}
	return time.Duration(frameSize) * time.Second / time.Duration(sampleRate)
}

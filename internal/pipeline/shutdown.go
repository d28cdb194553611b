package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrShutdownRequested is the cause recorded by Trigger(nil), used for
	// user-initiated closes.
	ErrShutdownRequested = errors.New("shutdown requested")
	// ErrInputExhausted is the cause recorded when a finite audio source
	// has been fully captioned.
	ErrInputExhausted = errors.New("audio input exhausted")
)

// Shutdown is the single stop signal shared by every stage. The first
// cause wins; later triggers are ignored.
type Shutdown struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	fired  atomic.Bool
}

// NewShutdown derives the signal from parent, so cancelling parent (for
// example on SIGINT) also triggers shutdown.
func NewShutdown(parent context.Context) *Shutdown {
	ctx, cancel := context.WithCancelCause(parent)
	return &Shutdown{ctx: ctx, cancel: cancel}
}

// Trigger raises the signal with cause. It reports whether this call was
// the one that raised it.
func (s *Shutdown) Trigger(cause error) bool {
	if cause == nil {
		cause = ErrShutdownRequested
	}
	if s.ctx.Err() != nil || !s.fired.CompareAndSwap(false, true) {
		return false
	}
	s.cancel(cause)
	return true
}

func (s *Shutdown) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Shutdown) Triggered() bool {
	return s.ctx.Err() != nil
}

// Cause reports why shutdown happened, or nil while running.
func (s *Shutdown) Cause() error {
	if s.ctx.Err() == nil {
		return nil
	}
	return context.Cause(s.ctx)
}

// Context is cancelled when the signal is raised.
func (s *Shutdown) Context() context.Context {
	return s.ctx
}

// IsClean reports whether cause is an orderly stop rather than a failure.
func IsClean(cause error) bool {
	return cause == nil ||
		errors.Is(cause, ErrShutdownRequested) ||
		errors.Is(cause, ErrInputExhausted) ||
		errors.Is(cause, context.Canceled)
}

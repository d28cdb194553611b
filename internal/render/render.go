package render

import (
	"time"

	"github.com/loqalabs/loqa-captions/internal/display"
)

// Renderer presents the caption text. SetText is called from the render
// loop goroutine only.
type Renderer interface {
	SetText(text string)
}

// Snapshotter exposes the latest display state without blocking writers.
type Snapshotter interface {
	Snapshot() display.Snapshot
}

// Loop pulls a snapshot every interval and hands changed text to r. It
// renders once more after done closes so the last state is shown.
func Loop(done <-chan struct{}, buf Snapshotter, r Renderer, interval time.Duration) {
	if interval <= 0 {
		interval = 75 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		rendered bool
		version  uint64
	)
	push := func() {
		snap := buf.Snapshot()
		if rendered && snap.Version == version {
			return
		}
		r.SetText(snap.Text)
		rendered = true
		version = snap.Version
	}

	push()
	for {
		select {
		case <-done:
			push()
			return
		case <-ticker.C:
			push()
		}
	}
}

// Multi fans text out to several renderers.
type Multi []Renderer

func (m Multi) SetText(text string) {
	for _, r := range m {
		r.SetText(text)
	}
}

// Func adapts a function to Renderer.
type Func func(string)

func (f Func) SetText(text string) { f(text) }

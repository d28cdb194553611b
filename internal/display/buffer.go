package display

import (
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
	"unicode/utf8"
)

// Options controls trimming and how the caption is composed.
type Options struct {
	MaxLength        int
	Separator        string
	PartialSeparator string
	PartialMarker    string
	Uppercase        bool
}

// State is the reconciled caption: finals committed so far and the latest
// partial hypothesis for the utterance in progress.
type State struct {
	Committed      string
	PendingPartial string
}

// Snapshot is an immutable view published after every mutation.
type Snapshot struct {
	State
	Text    string
	Version uint64
}

// Buffer merges partial and final results into a bounded caption. Writers
// serialize on a mutex; readers load the latest Snapshot without locking.
type Buffer struct {
	opts Options

	mu      sync.Mutex
	state   State
	version uint64

	snap atomic.Pointer[Snapshot]
}

// New returns an empty buffer.
func New(opts Options) *Buffer {
	if opts.MaxLength <= 0 {
		opts.MaxLength = 200
	}
	b := &Buffer{opts: opts}
	b.snap.Store(&Snapshot{})
	return b
}

// Apply folds one event into the buffer. A partial replaces the pending
// hypothesis; a final is appended to the committed text and clears it.
// Whitespace-only text is ignored. It reports whether the state changed.
func (b *Buffer) Apply(text string, final bool) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if b.opts.Uppercase {
		text = strings.ToUpper(text)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.state
	if final {
		next.Committed = strings.TrimSpace(next.Committed + b.opts.Separator + text)
		next.PendingPartial = ""
	} else {
		next.PendingPartial = text
	}
	next.Committed = tailRunes(next.Committed, b.opts.MaxLength)

	if next == b.state {
		return false
	}
	b.state = next
	b.version++
	b.snap.Store(&Snapshot{State: next, Text: b.compose(next), Version: b.version})
	return true
}

// Reset clears committed and pending text.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = State{}
	b.version++
	b.snap.Store(&Snapshot{Version: b.version})
}

// State returns the latest reconciled state.
func (b *Buffer) State() State {
	return b.snap.Load().State
}

// Render returns the display string for the latest state.
func (b *Buffer) Render() string {
	return b.snap.Load().Text
}

// Snapshot returns the latest published snapshot without locking.
func (b *Buffer) Snapshot() Snapshot {
	return *b.snap.Load()
}

func (b *Buffer) compose(s State) string {
	text := s.Committed
	if s.PendingPartial != "" {
		text += b.opts.PartialSeparator + s.PendingPartial + b.opts.PartialMarker
	}
	text = strings.TrimSpace(text)
	return strings.TrimSpace(tailRunes(text, b.opts.MaxLength))
}

// tailRunes keeps the last n runes of s, dropping leading whitespace the
// cut may expose.
func tailRunes(s string, n int) string {
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	for i := range s {
		if skip == 0 {
			return strings.TrimLeftFunc(s[i:], unicode.IsSpace)
		}
		skip--
	}
	return ""
}

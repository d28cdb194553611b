package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// Terminal draws the caption block on a terminal, repainting it in place
// when the text changes. On a non-terminal writer each change is printed
// as a new block.
type Terminal struct {
	w     io.Writer
	ansi  bool
	width func() int
	mu    sync.Mutex
	last  string
	lines int
}

func NewTerminal(w io.Writer) *Terminal {
	t := &Terminal{w: w}
	f, ok := w.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return t
	}
	t.ansi = true
	t.w = colorable.NewColorable(f)
	fd := int(f.Fd())
	t.width = func() int {
		cols, _, err := term.GetSize(fd)
		if err != nil {
			return 0
		}
		return cols
	}
	return t
}

func (t *Terminal) SetText(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if text == t.last {
		return
	}
	t.last = text

	var b strings.Builder
	if t.ansi {
		if t.lines > 0 {
			b.WriteString("\r")
			if t.lines > 1 {
				fmt.Fprintf(&b, "\033[%dA", t.lines-1)
			}
			b.WriteString("\033[J")
		}
		b.WriteString(text)
		width := 0
		if t.width != nil {
			width = t.width()
		}
		t.lines = visualRows(text, width)
	} else {
		b.WriteString(text)
		b.WriteString("\n")
	}
	_, _ = io.WriteString(t.w, b.String())
}

// Close moves the cursor below the caption block.
func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ansi && t.lines > 0 {
		_, err := io.WriteString(t.w, "\n")
		return err
	}
	return nil
}

// visualRows counts the terminal rows text occupies, including soft wraps
// when the terminal width is known.
func visualRows(text string, width int) int {
	rows := 0
	for _, line := range strings.Split(text, "\n") {
		cells := runewidth.StringWidth(line)
		if width > 0 && cells > width {
			rows += (cells + width - 1) / width
			continue
		}
		rows++
	}
	return rows
}

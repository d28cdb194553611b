package render

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-captions/internal/display"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) SetText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestLoopRendersOnlyChanges(t *testing.T) {
	buf := display.New(display.Options{MaxLength: 100, Separator: " ", PartialSeparator: "\n", PartialMarker: "..."})
	rec := &recorder{}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		Loop(done, buf, rec, time.Millisecond)
		close(finished)
	}()

	time.Sleep(20 * time.Millisecond)
	buf.Apply("hello", true)
	time.Sleep(20 * time.Millisecond)
	close(done)
	<-finished

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "" || got[1] != "hello" {
		t.Fatalf("expected initial and one changed render, got %q", got)
	}
}

func TestLoopRendersFinalStateOnStop(t *testing.T) {
	buf := display.New(display.Options{MaxLength: 100, Separator: " "})
	rec := &recorder{}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		Loop(done, buf, rec, time.Hour)
		close(finished)
	}()

	buf.Apply("last words", true)
	close(done)
	<-finished

	got := rec.snapshot()
	if got[len(got)-1] != "last words" {
		t.Fatalf("expected final state rendered, got %q", got)
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var called string
	Multi{a, b, Func(func(s string) { called = s })}.SetText("x")
	if len(a.snapshot()) != 1 || len(b.snapshot()) != 1 || called != "x" {
		t.Fatal("expected every renderer to receive the text")
	}
}

func TestTerminalPlainOutput(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(&out)
	term.SetText("one")
	term.SetText("one")
	term.SetText("one two\nthree...")
	if err := term.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := out.String(); got != "one\none two\nthree...\n" {
		t.Fatalf("unexpected terminal output %q", got)
	}
	if strings.Contains(out.String(), "\033[") {
		t.Fatal("expected no escape sequences on a plain writer")
	}
}

func TestTerminalRepaintsInPlace(t *testing.T) {
	var out bytes.Buffer
	term := &Terminal{w: &out, ansi: true}
	term.SetText("a\nb")
	term.SetText("c")
	if got := out.String(); got != "a\nb\r\033[1A\033[Jc" {
		t.Fatalf("unexpected repaint sequence %q", got)
	}
}

func TestVisualRowsCountsWraps(t *testing.T) {
	cases := []struct {
		text  string
		width int
		want  int
	}{
		{"hello", 0, 1},
		{"a\nb", 80, 2},
		{"abcdef", 4, 2},
		{"abcd", 4, 1},
		{"日本語", 4, 2},
		{"abcdefghij\n", 4, 4},
	}
	for _, tc := range cases {
		if got := visualRows(tc.text, tc.width); got != tc.want {
			t.Fatalf("visualRows(%q, %d) = %d, want %d", tc.text, tc.width, got, tc.want)
		}
	}
}

func TestTerminalRepaintCoversWrappedRows(t *testing.T) {
	var out bytes.Buffer
	term := &Terminal{w: &out, ansi: true, width: func() int { return 4 }}
	term.SetText("abcdefgh")
	term.SetText("x")
	if got := out.String(); got != "abcdefgh\r\033[1A\033[Jx" {
		t.Fatalf("unexpected repaint sequence %q", got)
	}
}

func dialOverlay(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial overlay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) OverlayMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg OverlayMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read overlay message: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, o *Overlay, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for o.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d overlay clients, have %d", n, o.Clients())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOverlayBroadcastsCaptions(t *testing.T) {
	overlay := NewOverlay(newLogger(), nil, nil)
	srv := httptest.NewServer(overlay)
	t.Cleanup(srv.Close)

	overlay.SetText("before connect")
	conn := dialOverlay(t, srv.URL)

	first := readMessage(t, conn)
	if first.Type != "caption" || first.Text != "before connect" {
		t.Fatalf("expected last caption on connect, got %+v", first)
	}
	waitClients(t, overlay, 1)

	overlay.SetText("live")
	next := readMessage(t, conn)
	if next.Text != "live" || next.Version <= first.Version {
		t.Fatalf("unexpected broadcast %+v", next)
	}
}

func TestOverlayCloseRequest(t *testing.T) {
	causes := make(chan error, 1)
	overlay := NewOverlay(newLogger(), func(err error) { causes <- err }, nil)
	srv := httptest.NewServer(overlay)
	t.Cleanup(srv.Close)

	conn := dialOverlay(t, srv.URL)
	if err := conn.WriteJSON(OverlayMessage{Type: "close"}); err != nil {
		t.Fatalf("write close: %v", err)
	}
	select {
	case err := <-causes:
		if !errors.Is(err, ErrOverlayClosed) {
			t.Fatalf("unexpected cause %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close request not delivered")
	}
}

func TestOverlayCloseDisconnectsClients(t *testing.T) {
	overlay := NewOverlay(newLogger(), nil, nil)
	srv := httptest.NewServer(overlay)
	t.Cleanup(srv.Close)

	conn := dialOverlay(t, srv.URL)
	waitClients(t, overlay, 1)
	if err := overlay.Close(); err != nil {
		t.Fatalf("close overlay: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
	if overlay.Clients() != 0 {
		t.Fatal("expected no clients after close")
	}
}

func dialWithOrigin(url, origin string) (*websocket.Conn, int, error) {
	header := http.Header{}
	header.Set("Origin", origin)
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), header)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	return conn, status, err
}

func TestOverlayRejectsForeignOrigin(t *testing.T) {
	causes := make(chan error, 1)
	overlay := NewOverlay(newLogger(), func(err error) { causes <- err }, nil)
	srv := httptest.NewServer(overlay)
	t.Cleanup(srv.Close)
	overlay.SetText("private caption")

	conn, status, err := dialWithOrigin(srv.URL, "https://evil.example")
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake from foreign origin to fail")
	}
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
	if overlay.Clients() != 0 {
		t.Fatal("foreign origin registered as client")
	}
	select {
	case cause := <-causes:
		t.Fatalf("unexpected shutdown request %v", cause)
	default:
	}
}

func TestOverlayAcceptsLocalAndListedOrigins(t *testing.T) {
	overlay := NewOverlay(newLogger(), nil, []string{"overlay.lan", "https://obs.example"})
	srv := httptest.NewServer(overlay)
	t.Cleanup(srv.Close)

	origins := []string{
		"http://localhost:3000",
		"http://127.0.0.1:8765",
		"http://[::1]:8765",
		"http://overlay.lan:8080",
		"https://obs.example",
	}
	for _, origin := range origins {
		conn, _, err := dialWithOrigin(srv.URL, origin)
		if err != nil {
			t.Fatalf("origin %s rejected: %v", origin, err)
		}
		conn.Close()
	}

	if conn, _, err := dialWithOrigin(srv.URL, "https://obs.example.evil"); err == nil {
		conn.Close()
		t.Fatal("expected unlisted origin to be rejected")
	}
}

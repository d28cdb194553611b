package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "nested", "journal.db")
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := openStore(t, config.JournalConfig{})
	ctx := context.Background()

	if err := s.StartSession(ctx, Session{ID: "s-1", Source: "wav", Recognizer: "mock", TargetLanguage: "hi"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := s.EndSession(ctx, "s-1", Summary{Cause: "input exhausted", Clean: true, Frames: 40, Finals: 3, TranslationsFailed: 1}); err != nil {
		t.Fatalf("end session: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.ID != "s-1" || got.Source != "wav" || got.TargetLanguage != "hi" {
		t.Fatalf("unexpected session %+v", got)
	}
	if !got.Clean || got.Cause != "input exhausted" || got.Frames != 40 || got.Finals != 3 || got.TranslationsFailed != 1 {
		t.Fatalf("unexpected summary %+v", got)
	}
	if got.StoppedAt.IsZero() {
		t.Fatal("expected stop time recorded")
	}
}

func TestRunningSessionHasNoStopTime(t *testing.T) {
	s := openStore(t, config.JournalConfig{})
	ctx := context.Background()
	if err := s.StartSession(ctx, Session{ID: "running"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	sessions, err := s.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].StoppedAt.IsZero() || sessions[0].Cause != "" {
		t.Fatalf("unexpected running session %+v", sessions)
	}
}

func TestEndUnknownSession(t *testing.T) {
	s := openStore(t, config.JournalConfig{})
	if err := s.EndSession(context.Background(), "missing", Summary{}); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	s := openStore(t, config.JournalConfig{RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.StartSession(ctx, Session{ID: "old"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"recent-a", "recent-b"} {
		if err := s.StartSession(ctx, Session{ID: id}); err != nil {
			t.Fatalf("start session: %v", err)
		}
		s.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "recent-b" {
		t.Fatalf("expected only newest session kept, got %+v", sessions)
	}
}

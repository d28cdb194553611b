package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// Session is one recorded caption run. The journal keeps lifecycle and
// counters only, never caption text.
type Session struct {
	ID                 string    `json:"id"`
	Source             string    `json:"source"`
	Recognizer         string    `json:"recognizer"`
	TargetLanguage     string    `json:"target_language,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	StoppedAt          time.Time `json:"stopped_at,omitzero"`
	Cause              string    `json:"cause,omitempty"`
	Clean              bool      `json:"clean"`
	Frames             int64     `json:"frames"`
	Finals             int64     `json:"finals"`
	TranslationsFailed int64     `json:"translations_failed"`
}

// Summary is what a session records when it ends.
type Summary struct {
	Cause              string
	Clean              bool
	Frames             int64
	Finals             int64
	TranslationsFailed int64
}

// Store is a SQLite-backed session journal.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the journal database and applies retention.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "journal")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    source TEXT,
    recognizer TEXT,
    target_language TEXT,
    started_at TIMESTAMP NOT NULL,
    stopped_at TIMESTAMP,
    cause TEXT,
    clean INTEGER NOT NULL DEFAULT 0,
    frames INTEGER NOT NULL DEFAULT 0,
    finals INTEGER NOT NULL DEFAULT 0,
    translations_failed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StartSession records a new running session.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, source, recognizer, target_language, started_at)
		 VALUES(?, ?, ?, ?, ?)`,
		sess.ID, sess.Source, sess.Recognizer, sess.TargetLanguage, sess.StartedAt.UTC())
	return err
}

// EndSession stamps the stop time, cause and counters of a session.
func (s *Store) EndSession(ctx context.Context, id string, sum Summary) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ?, cause = ?, clean = ?, frames = ?, finals = ?, translations_failed = ?
		 WHERE session_id = ?`,
		s.clock().UTC(), sum.Cause, sum.Clean, sum.Frames, sum.Finals, sum.TranslationsFailed, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("journal session %s not found", id)
	}
	return nil
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, source, recognizer, target_language, started_at, stopped_at, cause, clean, frames, finals, translations_failed
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess    Session
			stopped sql.NullTime
			cause   sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.Recognizer, &sess.TargetLanguage,
			&sess.StartedAt, &stopped, &cause, &sess.Clean, &sess.Frames, &sess.Finals, &sess.TranslationsFailed); err != nil {
			return nil, err
		}
		sess.StoppedAt = stopped.Time
		sess.Cause = cause.String
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies the configured retention window and session cap.
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

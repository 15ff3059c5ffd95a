// Package journal keeps a SQLite record of synthesis calls for operators:
// what was asked, how it ended and how long the decoder ran.
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

	"github.com/example/go-tacotron/internal/config"
)

// Entry is one recorded synthesis call.
type Entry struct {
	ID         int64         `json:"id"`
	RequestID  string        `json:"request_id,omitempty"`
	Outcome    string        `json:"outcome"`
	Tokens     int           `json:"tokens"`
	Iterations int           `json:"iterations"`
	Frames     int           `json:"frames"`
	Cached     bool          `json:"cached"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store is a SQLite-backed journal. A Store opened without a path keeps
// nothing and all of its methods are no-ops.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	if cfg.Path == "" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS synthesis (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT,
    outcome TEXT NOT NULL,
    tokens INTEGER NOT NULL,
    iterations INTEGER NOT NULL,
    frames INTEGER NOT NULL,
    cached INTEGER NOT NULL,
    duration_ns INTEGER NOT NULL,
    error TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_synthesis_created ON synthesis(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)

	return err
}

// Enabled reports whether entries are persisted.
func (s *Store) Enabled() bool { return s != nil && s.db != nil }

func (s *Store) Record(ctx context.Context, e Entry) error {
	if !s.Enabled() {
		return nil
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO synthesis(request_id, outcome, tokens, iterations, frames, cached, duration_ns, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Outcome, e.Tokens, e.Iterations, e.Frames, e.Cached, int64(e.Duration), e.Error, e.CreatedAt.UnixNano())

	return err
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if !s.Enabled() {
		return nil, nil
	}

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, outcome, tokens, iterations, frames, cached, duration_ns, error, created_at
		 FROM synthesis ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry

	for rows.Next() {
		var (
			e        Entry
			duration int64
			created  int64
			reqID    sql.NullString
			errText  sql.NullString
		)

		if err := rows.Scan(&e.ID, &reqID, &e.Outcome, &e.Tokens, &e.Iterations, &e.Frames, &e.Cached, &duration, &errText, &created); err != nil {
			return nil, err
		}

		e.RequestID = reqID.String
		e.Error = errText.String
		e.Duration = time.Duration(duration)
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Prune drops entries older than the configured retention. Zero retention
// keeps everything.
func (s *Store) Prune(ctx context.Context) error {
	if !s.Enabled() || s.cfg.RetentionDays <= 0 {
		return nil
	}

	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)

	res, err := s.db.ExecContext(ctx, `DELETE FROM synthesis WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("pruned synthesis journal", slog.Int64("rows", n))
	}

	return nil
}

func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}

	return s.db.Close()
}

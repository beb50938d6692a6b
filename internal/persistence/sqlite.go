package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"detection-relay/internal/session"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps session summaries in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS session_summaries (
			session_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			file_type TEXT NOT NULL,
			state TEXT NOT NULL,
			frames_total INTEGER,
			frames_processed INTEGER NOT NULL DEFAULT 0,
			detections_total INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			source_url TEXT NOT NULL DEFAULT '',
			output_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_ended ON session_summaries(ended_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_file_type ON session_summaries(file_type)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Save upserts the summary keyed by session id.
func (s *SQLiteStore) Save(ctx context.Context, sum session.Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_summaries (
			session_id, kind, file_type, state, frames_total, frames_processed,
			detections_total, started_at, ended_at, duration_ms, source_url, output_url
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			frames_total = excluded.frames_total,
			frames_processed = excluded.frames_processed,
			detections_total = excluded.detections_total,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms,
			output_url = excluded.output_url`,
		sum.SessionID, string(sum.Kind), sum.FileType, string(sum.State),
		nullableInt(sum.FramesTotal), sum.FramesProcessed, sum.DetectionsTotal,
		sum.StartedAt.UnixMilli(), sum.EndedAt.UnixMilli(), sum.DurationMs,
		sum.SourceURL, sum.OutputURL,
	)
	if err != nil {
		return fmt.Errorf("save summary %s: %w", sum.SessionID, err)
	}
	return nil
}

// List implements Records.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]session.Summary, error) {
	query := "SELECT " + summaryColumns + " FROM session_summaries"
	var args []any
	if f.FileType != "" {
		query += " WHERE file_type = ?"
		args = append(args, f.FileType)
	}
	query += " ORDER BY ended_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []session.Summary
	for rows.Next() {
		sum, err := scanSummary(rows, func(dst *time.Time) any { return &unixMillis{dst} })
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get implements Records.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (session.Summary, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+summaryColumns+" FROM session_summaries WHERE session_id = ?", sessionID)
	sum, err := scanSummary(row, func(dst *time.Time) any { return &unixMillis{dst} })
	if errors.Is(err, sql.ErrNoRows) {
		return sum, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return sum, fmt.Errorf("get summary %s: %w", sessionID, err)
	}
	return sum, nil
}

// Delete implements Records. It returns how many summaries were removed.
func (s *SQLiteStore) Delete(ctx context.Context, sessionIDs ...string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM session_summaries WHERE session_id IN ("+placeholders(len(args), 1, func(int) string { return "?" })+")",
		args...)
	if err != nil {
		return 0, fmt.Errorf("delete summaries: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// unixMillis scans an INTEGER millisecond column into a time.Time.
type unixMillis struct {
	t *time.Time
}

func (u *unixMillis) Scan(v any) error {
	switch x := v.(type) {
	case int64:
		*u.t = time.UnixMilli(x).UTC()
	case nil:
		*u.t = time.Time{}
	default:
		return fmt.Errorf("unexpected time column type %T", v)
	}
	return nil
}

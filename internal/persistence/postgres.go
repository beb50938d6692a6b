package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"detection-relay/internal/session"

	_ "github.com/lib/pq"
)

// PostgresStore keeps session summaries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, verifies the connection and migrates.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS session_summaries (
			session_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			file_type TEXT NOT NULL,
			state TEXT NOT NULL,
			frames_total INTEGER,
			frames_processed INTEGER NOT NULL DEFAULT 0,
			detections_total INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			ended_at TIMESTAMP WITH TIME ZONE NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			source_url TEXT NOT NULL DEFAULT '',
			output_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_ended ON session_summaries(ended_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_file_type ON session_summaries(file_type)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Save upserts the summary keyed by session id.
func (s *PostgresStore) Save(ctx context.Context, sum session.Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_summaries (
			session_id, kind, file_type, state, frames_total, frames_processed,
			detections_total, started_at, ended_at, duration_ms, source_url, output_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			state = EXCLUDED.state,
			frames_total = EXCLUDED.frames_total,
			frames_processed = EXCLUDED.frames_processed,
			detections_total = EXCLUDED.detections_total,
			ended_at = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms,
			output_url = EXCLUDED.output_url`,
		sum.SessionID, string(sum.Kind), sum.FileType, string(sum.State),
		nullableInt(sum.FramesTotal), sum.FramesProcessed, sum.DetectionsTotal,
		sum.StartedAt, sum.EndedAt, sum.DurationMs,
		sum.SourceURL, sum.OutputURL,
	)
	if err != nil {
		return fmt.Errorf("save summary %s: %w", sum.SessionID, err)
	}
	return nil
}

// List implements Records.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]session.Summary, error) {
	query := "SELECT " + summaryColumns + " FROM session_summaries"
	var args []any
	if f.FileType != "" {
		query += " WHERE file_type = $1"
		args = append(args, f.FileType)
	}
	query += " ORDER BY ended_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []session.Summary
	for rows.Next() {
		sum, err := scanSummary(rows, func(dst *time.Time) any { return dst })
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get implements Records.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (session.Summary, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+summaryColumns+" FROM session_summaries WHERE session_id = $1", sessionID)
	sum, err := scanSummary(row, func(dst *time.Time) any { return dst })
	if errors.Is(err, sql.ErrNoRows) {
		return sum, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return sum, fmt.Errorf("get summary %s: %w", sessionID, err)
	}
	return sum, nil
}

// Delete implements Records. It returns how many summaries were removed.
func (s *PostgresStore) Delete(ctx context.Context, sessionIDs ...string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM session_summaries WHERE session_id IN ("+placeholders(len(args), 1, func(i int) string { return fmt.Sprintf("$%d", i) })+")",
		args...)
	if err != nil {
		return 0, fmt.Errorf("delete summaries: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"detection-relay/internal/session"
)

// ErrNotFound is returned when no summary is stored for a session id.
var ErrNotFound = errors.New("record not found")

// Filter narrows a record listing. An empty FileType matches every record.
type Filter struct {
	Limit    int
	FileType string
}

// Records reads and prunes persisted session summaries. Listings are newest
// first.
type Records interface {
	List(ctx context.Context, f Filter) ([]session.Summary, error)
	Get(ctx context.Context, sessionID string) (session.Summary, error)
	Delete(ctx context.Context, sessionIDs ...string) (int64, error)
}

const summaryColumns = `session_id, kind, file_type, state, frames_total, frames_processed,
	detections_total, started_at, ended_at, duration_ms, source_url, output_url`

// placeholders returns n bind markers starting at position from, rendered
// by mark (e.g. "?" or "$%d").
func placeholders(n, from int, mark func(i int) string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = mark(from + i)
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSummary reads the column order shared by every store's select.
func scanSummary(row rowScanner, scanTime func(dst *time.Time) any) (session.Summary, error) {
	var (
		sum         session.Summary
		kind, state string
		framesTotal sql.NullInt64
	)
	err := row.Scan(
		&sum.SessionID,
		&kind,
		&sum.FileType,
		&state,
		&framesTotal,
		&sum.FramesProcessed,
		&sum.DetectionsTotal,
		scanTime(&sum.StartedAt),
		scanTime(&sum.EndedAt),
		&sum.DurationMs,
		&sum.SourceURL,
		&sum.OutputURL,
	)
	if err != nil {
		return sum, err
	}
	sum.Kind = session.Kind(kind)
	sum.State = session.State(state)
	if framesTotal.Valid {
		n := int(framesTotal.Int64)
		sum.FramesTotal = &n
	}
	return sum, nil
}

func nullableInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

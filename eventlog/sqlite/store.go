// Package sqlite implements the event log store on an embedded sqlite
// database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skylattice/fleetd/eventlog"
	"github.com/skylattice/fleetd/observe"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 50

type Store struct {
	db      *sql.DB
	metrics *observe.Metrics
}

type Option func(*Store)

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Append(ctx context.Context, record eventlog.Record) (string, error) {
	record.Normalize()
	if strings.TrimSpace(record.Text) == "" {
		return "", fmt.Errorf("event text is required")
	}

	const q = `
INSERT INTO events (event_id, text, source, category, agent_id, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING;
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		record.ID,
		record.Text,
		record.Source,
		string(record.Category),
		nullIfEmpty(record.AgentID),
		record.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}
	return record.ID, nil
}

func (s *Store) Query(ctx context.Context, query eventlog.Query) ([]eventlog.Record, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var (
		where []string
		args  []any
	)
	if query.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(query.Category))
	}
	if query.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, query.AgentID)
	}
	if query.Since != nil {
		where = append(where, "recorded_at >= ?")
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}

	sqlText := `
SELECT event_id, text, source, category, agent_id, recorded_at
FROM events
`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY recorded_at DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := make([]eventlog.Record, 0, limit)
	for rows.Next() {
		var (
			record      eventlog.Record
			category    string
			agentID     sql.NullString
			recordedRaw string
		)
		if err := rows.Scan(
			&record.ID,
			&record.Text,
			&record.Source,
			&category,
			&agentID,
			&recordedRaw,
		); err != nil {
			// Malformed records are counted and skipped, not fatal for the
			// batch.
			s.metrics.MalformedRecord(ctx)
			continue
		}
		record.Category = eventlog.Category(category)
		if agentID.Valid {
			record.AgentID = agentID.String
		}
		recorded, err := time.Parse(time.RFC3339Nano, recordedRaw)
		if err != nil {
			s.metrics.MalformedRecord(ctx)
			continue
		}
		record.RecordedAt = recorded.UTC()
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

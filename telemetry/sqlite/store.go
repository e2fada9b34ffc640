// Package sqlite implements the telemetry store on an embedded sqlite
// database. Suited to single-host deployments; the redisstore package covers
// fleet-wide ones.
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

	"github.com/skylattice/fleetd/observe"
	"github.com/skylattice/fleetd/telemetry"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	metrics     *observe.Metrics
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize telemetry schema: %w", err)
	}
	return nil
}

// Append inserts a sample. Duplicate ids and out-of-order sequence numbers
// are accepted silently: the write path favors availability over strictness.
func (s *Store) Append(ctx context.Context, sample telemetry.Sample) (string, error) {
	sample.Normalize()
	if err := telemetry.ValidateAgentID(sample.AgentID); err != nil {
		return "", err
	}

	const q = `
INSERT INTO samples (sample_id, agent_id, x, y, denied, signal_quality, seq, recorded_at, run_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sample_id) DO NOTHING;
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		sample.ID,
		sample.AgentID,
		sample.Position.X,
		sample.Position.Y,
		boolToInt(sample.Denied),
		sample.SignalQuality,
		sample.Seq,
		sample.RecordedAt.UTC().Format(time.RFC3339Nano),
		sample.RunID,
	)
	if err != nil {
		return "", wrapStoreErr("failed to append sample", err)
	}
	return sample.ID, nil
}

func (s *Store) Recent(ctx context.Context, query telemetry.RecentQuery) ([]telemetry.Sample, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	sqlText := `
SELECT sample_id, agent_id, x, y, denied, signal_quality, seq, recorded_at, run_id
FROM samples
`
	args := []any{}
	if query.AgentID != "" {
		sqlText += " WHERE agent_id = ?"
		args = append(args, query.AgentID)
	}
	sqlText += " ORDER BY rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, wrapStoreErr("failed to query recent samples", err)
	}
	defer rows.Close()

	out := make([]telemetry.Sample, 0, limit)
	for rows.Next() {
		var (
			sample      telemetry.Sample
			denied      int
			recordedRaw string
		)
		if err := rows.Scan(
			&sample.ID,
			&sample.AgentID,
			&sample.Position.X,
			&sample.Position.Y,
			&denied,
			&sample.SignalQuality,
			&sample.Seq,
			&recordedRaw,
			&sample.RunID,
		); err != nil {
			// Malformed records are counted and skipped, not fatal for the
			// batch.
			s.metrics.MalformedRecord(ctx)
			continue
		}
		sample.Denied = denied != 0
		// Mixed timestamp formats happen across runs; a bad timestamp does
		// not make the record malformed.
		if t, err := time.Parse(time.RFC3339Nano, recordedRaw); err == nil {
			sample.RecordedAt = t.UTC()
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate samples: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func wrapStoreErr(msg string, err error) error {
	if isClosed(err) {
		return fmt.Errorf("%s: %w", msg, telemetry.ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isClosed(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is closed")
}

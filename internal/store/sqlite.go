package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/i474232898/weather-etl/internal/pipeline"
)

// SQLiteStore keeps the run ledger in a SQLite file so it survives restarts.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			run_key TEXT NOT NULL,
			step TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			records INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_key ON steps(run_key, started_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to init ledger schema: %w", err)
		}
	}
	return nil
}

// SaveStep upserts a record by id.
func (s *SQLiteStore) SaveStep(ctx context.Context, rec pipeline.StepRecord) error {
	var finished sql.NullInt64
	if rec.FinishedAt != nil {
		finished = sql.NullInt64{Int64: rec.FinishedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (id, attempt_id, run_key, step, provider, status, records, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			records = excluded.records,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		rec.ID, rec.AttemptID, rec.RunKey, string(rec.Step), rec.Provider, string(rec.Status),
		rec.Records, rec.Error, rec.StartedAt.UnixNano(), finished,
	)
	if err != nil {
		return fmt.Errorf("failed to save step %s: %w", rec.ID, err)
	}
	return nil
}

const selectSteps = `SELECT id, attempt_id, run_key, step, provider, status, records, error, started_at, finished_at FROM steps`

// RunSteps returns a run's records ordered by start time.
func (s *SQLiteStore) RunSteps(ctx context.Context, runKey string) ([]pipeline.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectSteps+` WHERE run_key = ? ORDER BY started_at, rowid`, runKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runKey, err)
	}
	recs, err := scanSteps(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs, nil
}

// RecentSteps returns up to limit records, newest first.
func (s *SQLiteStore) RecentSteps(ctx context.Context, limit int) ([]pipeline.StepRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectSteps+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent steps: %w", err)
	}
	return scanSteps(rows)
}

func scanSteps(rows *sql.Rows) ([]pipeline.StepRecord, error) {
	defer rows.Close()

	var out []pipeline.StepRecord
	for rows.Next() {
		var (
			rec      pipeline.StepRecord
			step     string
			status   string
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.AttemptID, &rec.RunKey, &step, &rec.Provider, &status,
			&rec.Records, &rec.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		rec.Step = pipeline.Step(step)
		rec.Status = pipeline.Status(status)
		rec.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			t := time.Unix(0, finished.Int64).UTC()
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

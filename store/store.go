// Package store keeps a driver-level record of dispatched runs in a sqlite
// database. The properties files remain the source of truth for reporting;
// the store exists for quick post-mortem queries ("which runs were killed",
// "how long did the batch take") without scanning thousands of directories.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ExecutionRecord is one dispatched run command and its outcome.
type ExecutionRecord struct {
	ID         string
	RunID      string
	Command    string
	Status     string
	ExitCode   int
	WallTimeMS int64
	PeakMemory int64
	StartedAt  int64
	FinishedAt int64
}

// Execution status values.
const (
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusTimeLimit   = "time-limit"
	StatusMemoryLimit = "memory-limit"
	StatusStartError  = "start-error"
)

type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the execution store at path. An
// empty driver selects sqlite.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	db.Exec(`PRAGMA foreign_keys = ON`)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS expkit_executions (
        id TEXT PRIMARY KEY,
        run_id TEXT NOT NULL,
        command TEXT NOT NULL,
        status TEXT,
        exit_code INTEGER,
        wall_time_ms INTEGER,
        peak_memory_mib INTEGER,
        started_at INTEGER,
        finished_at INTEGER
    )`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_expkit_executions_run_started
        ON expkit_executions(run_id, started_at)`)
	return err
}

// AddExecution inserts one record. A missing ID is generated.
func (s *Store) AddExecution(ctx context.Context, e ExecutionRecord) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt == 0 {
		e.StartedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO expkit_executions
        (id, run_id, command, status, exit_code, wall_time_ms, peak_memory_mib, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.Command, e.Status, e.ExitCode, e.WallTimeMS, e.PeakMemory, e.StartedAt, e.FinishedAt,
	)
	return err
}

// ListExecutions returns the records for one run, oldest first. An empty
// runID lists everything.
func (s *Store) ListExecutions(ctx context.Context, runID string) ([]ExecutionRecord, error) {
	query := `SELECT id, run_id, command, status, exit_code, wall_time_ms, peak_memory_mib, started_at, finished_at
        FROM expkit_executions WHERE run_id = ? ORDER BY started_at, id`
	args := []any{runID}
	if runID == "" {
		query = `SELECT id, run_id, command, status, exit_code, wall_time_ms, peak_memory_mib, started_at, finished_at
            FROM expkit_executions ORDER BY started_at, id`
		args = nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.Command, &r.Status, &r.ExitCode,
			&r.WallTimeMS, &r.PeakMemory, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByStatus returns how many executions ended with each status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM expkit_executions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s.db == nil {
		return errors.New("store already closed")
	}
	err := s.db.Close()
	s.db = nil
	return err
}

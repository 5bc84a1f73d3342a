// Package runstore keeps a local log of finished playback runs in SQLite.
package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/e7canasta/framereel/internal/playback"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session TEXT NOT NULL UNIQUE,
    source TEXT NOT NULL,
    mode TEXT NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    frames INTEGER NOT NULL,
    stalls INTEGER NOT NULL,
    last_index INTEGER NOT NULL,
    progress REAL NOT NULL,
    elapsed_ms INTEGER NOT NULL,
    wall_ms INTEGER NOT NULL,
    fps_mean REAL NOT NULL,
    jitter_max_ms REAL NOT NULL,
    started INTEGER NOT NULL -- UnixNano
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started);
`

// Run is one stored playback run.
type Run struct {
	ID          int64
	Session     string
	Source      string
	Mode        string
	Outcome     string
	Error       string
	Frames      int
	Stalls      int
	LastIndex   int
	Progress    float64
	Elapsed     time.Duration
	Wall        time.Duration
	FPSMean     float64
	JitterMaxMS float64
	Started     time.Time
}

// FromReport flattens a session report into a storable run.
func FromReport(r playback.Report) Run {
	run := Run{
		Session:     r.Session,
		Source:      r.Source,
		Mode:        r.Mode,
		Outcome:     string(r.Outcome),
		Frames:      r.Frames,
		Stalls:      r.Stalls,
		LastIndex:   r.LastIndex,
		Progress:    r.Progress,
		Elapsed:     r.Elapsed,
		Wall:        r.Wall,
		FPSMean:     r.FPS.FPSMean,
		JitterMaxMS: r.FPS.JitterMax * 1000,
		Started:     r.Started,
	}
	if r.Err != nil {
		run.Error = r.Err.Error()
	}
	return run
}

// Store is a SQLite backed run log. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the run log at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record stores one run. Recording the same session twice replaces the
// earlier row.
func (s *Store) Record(ctx context.Context, run Run) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
		    (session, source, mode, outcome, error, frames, stalls, last_index,
		     progress, elapsed_ms, wall_ms, fps_mean, jitter_max_ms, started)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Session, run.Source, run.Mode, run.Outcome, run.Error,
		run.Frames, run.Stalls, run.LastIndex, run.Progress,
		run.Elapsed.Milliseconds(), run.Wall.Milliseconds(),
		run.FPSMean, run.JitterMaxMS, run.Started.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to record run %s: %w", run.Session, err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, source, mode, outcome, error, frames, stalls, last_index,
		       progress, elapsed_ms, wall_ms, fps_mean, jitter_max_ms, started
		FROM runs
		ORDER BY started DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run               Run
			elapsedMS, wallMS int64
			startedNano       int64
		)
		if err := rows.Scan(&run.ID, &run.Session, &run.Source, &run.Mode, &run.Outcome,
			&run.Error, &run.Frames, &run.Stalls, &run.LastIndex, &run.Progress,
			&elapsedMS, &wallMS, &run.FPSMean, &run.JitterMaxMS, &startedNano); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		run.Wall = time.Duration(wallMS) * time.Millisecond
		run.Started = time.Unix(0, startedNano)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Count returns the number of runs per outcome.
func (s *Store) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM runs GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

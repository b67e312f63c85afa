// Package state persists run history in a sqlite database under the
// repository metadata directory.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// schema is applied on open. Additive changes only.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	request TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	total_tasks INTEGER NOT NULL DEFAULT 0,
	merged_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS task_results (
	run_id TEXT NOT NULL REFERENCES runs(id),
	task_id TEXT NOT NULL,
	title TEXT NOT NULL,
	state TEXT NOT NULL,
	detail TEXT,
	recorded_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, task_id)
);
`

// Run is one pipeline invocation.
type Run struct {
	ID          string
	Request     string
	BaseBranch  string
	StartedAt   time.Time
	FinishedAt  time.Time
	TotalTasks  int
	MergedTasks int
	FailedTasks int
}

// TaskResult is the terminal outcome of one task in a run.
type TaskResult struct {
	RunID      string
	TaskID     string
	Title      string
	State      string
	Detail     string
	RecordedAt time.Time
}

// Store wraps the sqlite database holding run history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database under
// <repo>/.kugutsu/history.db.
func Open(repoPath string) (*Store, error) {
	dir := filepath.Join(repoPath, ".kugutsu")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}
	return OpenPath(filepath.Join(dir, "history.db"))
}

// OpenPath opens the history database at an explicit path.
func OpenPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// Single writer; WAL keeps readers unblocked.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(run Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, request, base_branch, started_at, total_tasks) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Request, run.BaseBranch, run.StartedAt, run.TotalTasks,
	)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// FinishRun records the end of a run with final counts.
func (s *Store) FinishRun(runID string, finishedAt time.Time, merged, failed int) error {
	_, err := s.db.Exec(
		`UPDATE runs SET finished_at = ?, merged_tasks = ?, failed_tasks = ? WHERE id = ?`,
		finishedAt, merged, failed, runID,
	)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

// RecordTaskResult upserts one task's terminal outcome.
func (s *Store) RecordTaskResult(r TaskResult) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO task_results (run_id, task_id, title, state, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, task_id) DO UPDATE SET
		   state = excluded.state, detail = excluded.detail, recorded_at = excluded.recorded_at`,
		r.RunID, r.TaskID, r.Title, r.State, r.Detail, r.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record task result: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(
		`SELECT id, request, base_branch, started_at,
		        COALESCE(finished_at, started_at),
		        total_tasks, merged_tasks, failed_tasks
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Request, &r.BaseBranch, &r.StartedAt,
			&r.FinishedAt, &r.TotalTasks, &r.MergedTasks, &r.FailedTasks); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TaskResults returns all task outcomes for a run.
func (s *Store) TaskResults(runID string) ([]TaskResult, error) {
	rows, err := s.db.Query(
		`SELECT run_id, task_id, title, state, COALESCE(detail, ''), recorded_at
		 FROM task_results WHERE run_id = ? ORDER BY recorded_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("query task results: %w", err)
	}
	defer rows.Close()

	var results []TaskResult
	for rows.Next() {
		var r TaskResult
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.Title, &r.State, &r.Detail, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

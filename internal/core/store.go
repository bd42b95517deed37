package core

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marz-dev/poolforge/pkg/api"
)

// Store is a SQLite-backed run history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordRun persists a finished run and its per-task results.
func (s *Store) RecordRun(ctx context.Context, report *api.RunReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (job_id, pool_id, status, started, finished) VALUES (?, ?, ?, ?, ?)`,
		report.JobID, report.PoolID, string(report.Status),
		report.Started.UTC().Format(time.RFC3339),
		report.Finished.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	for _, r := range report.Results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_results (run_id, task_id, exit_code, output_file, failure_message) VALUES (?, ?, ?, ?, ?)`,
			runID, r.TaskID, r.ExitCode, r.OutputFile, r.FailureMessage,
		); err != nil {
			return fmt.Errorf("insert task result %s: %w", r.TaskID, err)
		}
	}
	return tx.Commit()
}

// RunSummary is one row of run history.
type RunSummary struct {
	JobID     string
	PoolID    string
	Status    api.RunStatus
	Started   time.Time
	Finished  time.Time
	TaskCount int
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.job_id, r.pool_id, r.status, r.started, r.finished,
		        (SELECT COUNT(*) FROM task_results t WHERE t.run_id = r.id)
		 FROM runs r ORDER BY r.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var status, started, finished string
		if err := rows.Scan(&rs.JobID, &rs.PoolID, &status, &started, &finished, &rs.TaskCount); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rs.Status = api.RunStatus(status)
		rs.Started, _ = time.Parse(time.RFC3339, started)
		rs.Finished, _ = time.Parse(time.RFC3339, finished)
		out = append(out, rs)
	}
	return out, rows.Err()
}

// TaskResults returns the stored per-task results for a job.
func (s *Store) TaskResults(ctx context.Context, jobID string) ([]api.TaskResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.task_id, t.exit_code, t.output_file, t.failure_message
		 FROM task_results t JOIN runs r ON r.id = t.run_id
		 WHERE r.job_id = ? ORDER BY t.task_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query task results: %w", err)
	}
	defer rows.Close()

	var out []api.TaskResult
	for rows.Next() {
		var tr api.TaskResult
		if err := rows.Scan(&tr.TaskID, &tr.ExitCode, &tr.OutputFile, &tr.FailureMessage); err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

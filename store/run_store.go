package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

// RunRecord is a stored pipeline run.
type RunRecord struct {
	RunID       string
	Pipeline    string
	Branch      string
	Commit      string
	BuildNumber int
	Outcome     pipeline.Outcome
	Error       string
	HookErrors  int
	StartedAt   time.Time
	FinishedAt  time.Time
	Duration    time.Duration
	// Stages is only populated by Get.
	Stages []StageRecord
}

// StageRecord is a stored stage result.
type StageRecord struct {
	Name         string
	Status       pipeline.Status
	Reason       string
	Error        string
	ReleaseError string
	Duration     time.Duration
	Steps        []StepRecord
}

// StepRecord is a stored step result.
type StepRecord struct {
	Name     string
	Status   pipeline.Status
	Output   string
	Error    string
	Duration time.Duration
}

// RunFilter narrows List. Zero fields match everything.
type RunFilter struct {
	Pipeline string
	Branch   string
	Outcome  pipeline.Outcome
	// Limit caps the number of runs returned. Zero means 50.
	Limit int
}

// RunStats summarizes the stored runs of a pipeline.
type RunStats struct {
	Total       int
	Succeeded   int
	Failed      int
	AvgDuration time.Duration
	LastRun     *RunRecord
}

// RunStore persists run history.
type RunStore interface {
	Record(ctx context.Context, res *pipeline.RunResult) error
	Get(ctx context.Context, runID string) (*RunRecord, error)
	List(ctx context.Context, filter RunFilter) ([]RunRecord, error)
	Stats(ctx context.Context, pipelineName string) (RunStats, error)
	Close() error
}

// SQLiteRunStore implements RunStore backed by SQLite. Writes are serialized
// to avoid SQLITE_BUSY.
type SQLiteRunStore struct {
	mu sync.Mutex // serializes writes
	db *sql.DB
}

// NewSQLiteRunStore opens (creating if needed) the history database at
// dbPath.
func NewSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteRunStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the history tables and indexes.
func (s *SQLiteRunStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id        TEXT PRIMARY KEY,
		pipeline      TEXT NOT NULL,
		branch        TEXT NOT NULL DEFAULT '',
		commit_sha    TEXT NOT NULL DEFAULT '',
		build_number  INTEGER NOT NULL DEFAULT 0,
		outcome       TEXT NOT NULL,
		error         TEXT NOT NULL DEFAULT '',
		hook_errors   INTEGER NOT NULL DEFAULT 0,
		started_at    TEXT NOT NULL,
		finished_at   TEXT NOT NULL,
		duration_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_pipeline_started ON runs(pipeline, started_at);
	CREATE TABLE IF NOT EXISTS stage_results (
		run_id         TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		position       INTEGER NOT NULL,
		name           TEXT NOT NULL,
		status         TEXT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		error          TEXT NOT NULL DEFAULT '',
		release_error  TEXT NOT NULL DEFAULT '',
		duration_ms    INTEGER NOT NULL,
		PRIMARY KEY (run_id, position)
	);
	CREATE TABLE IF NOT EXISTS step_results (
		run_id         TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		stage_position INTEGER NOT NULL,
		position       INTEGER NOT NULL,
		name           TEXT NOT NULL,
		status         TEXT NOT NULL,
		output         TEXT NOT NULL DEFAULT '',
		error          TEXT NOT NULL DEFAULT '',
		duration_ms    INTEGER NOT NULL,
		PRIMARY KEY (run_id, stage_position, position)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create history tables: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

// Record stores res, replacing any earlier record with the same run ID.
func (s *SQLiteRunStore) Record(ctx context.Context, res *pipeline.RunResult) error {
	if res == nil || res.RunID == "" {
		return fmt.Errorf("record run: %w", ErrMissingRunID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, res.RunID); err != nil {
		return fmt.Errorf("delete previous run: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, pipeline, branch, commit_sha, build_number, outcome, error, hook_errors,
		                   started_at, finished_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Pipeline, res.Branch, res.Commit, res.BuildNumber, string(res.Outcome), errString(res.Err),
		len(res.HookErrors()), formatTime(res.StartedAt), formatTime(res.FinishedAt), res.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, st := range res.Stages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stage_results (run_id, position, name, status, reason, error, release_error, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, i, st.Name, string(st.Status), st.Reason, errString(st.Err), errString(st.ReleaseErr),
			st.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("insert stage %q: %w", st.Name, err)
		}
		for j, sr := range st.Steps {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO step_results (run_id, stage_position, position, name, status, output, error, duration_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				res.RunID, i, j, sr.Name, string(sr.Status), sr.Output, errString(sr.Err), sr.Duration.Milliseconds(),
			)
			if err != nil {
				return fmt.Errorf("insert step %q: %w", sr.Name, err)
			}
		}
	}
	return tx.Commit()
}

const runColumns = `run_id, pipeline, branch, commit_sha, build_number, outcome, error, hook_errors,
	started_at, finished_at, duration_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		rec               RunRecord
		outcome           string
		started, finished string
		durationMS        int64
	)
	err := row.Scan(&rec.RunID, &rec.Pipeline, &rec.Branch, &rec.Commit, &rec.BuildNumber, &outcome, &rec.Error,
		&rec.HookErrors, &started, &finished, &durationMS)
	if err != nil {
		return RunRecord{}, err
	}
	rec.Outcome = pipeline.Outcome(outcome)
	rec.StartedAt, _ = time.Parse(timeLayout, started)
	rec.FinishedAt, _ = time.Parse(timeLayout, finished)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

// Get returns the run with its stage and step results.
func (s *SQLiteRunStore) Get(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	stages, err := s.stages(ctx, runID)
	if err != nil {
		return nil, err
	}
	rec.Stages = stages
	return &rec, nil
}

func (s *SQLiteRunStore) stages(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, status, reason, error, release_error, duration_ms
		 FROM stage_results WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	var stages []StageRecord
	for rows.Next() {
		var (
			st         StageRecord
			status     string
			durationMS int64
		)
		if err := rows.Scan(&st.Name, &status, &st.Reason, &st.Error, &st.ReleaseError, &durationMS); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.Status = pipeline.Status(status)
		st.Duration = time.Duration(durationMS) * time.Millisecond
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}

	steps, err := s.db.QueryContext(ctx,
		`SELECT stage_position, name, status, output, error, duration_ms
		 FROM step_results WHERE run_id = ? ORDER BY stage_position ASC, position ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer steps.Close()

	for steps.Next() {
		var (
			sr         StepRecord
			stagePos   int
			status     string
			durationMS int64
		)
		if err := steps.Scan(&stagePos, &sr.Name, &status, &sr.Output, &sr.Error, &durationMS); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if stagePos < 0 || stagePos >= len(stages) {
			continue
		}
		sr.Status = pipeline.Status(status)
		sr.Duration = time.Duration(durationMS) * time.Millisecond
		stages[stagePos].Steps = append(stages[stagePos].Steps, sr)
	}
	if err := steps.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return stages, nil
}

// List returns runs matching filter, most recent first. Stage results are
// not loaded.
func (s *SQLiteRunStore) List(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if filter.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, filter.Branch)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// Stats summarizes every stored run of pipelineName.
func (s *SQLiteRunStore) Stats(ctx context.Context, pipelineName string) (RunStats, error) {
	var (
		stats RunStats
		avgMS float64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(duration_ms), 0)
		 FROM runs WHERE pipeline = ?`,
		string(pipeline.OutcomeSuccess), pipelineName,
	).Scan(&stats.Total, &stats.Succeeded, &avgMS)
	if err != nil {
		return RunStats{}, fmt.Errorf("query stats: %w", err)
	}
	stats.Failed = stats.Total - stats.Succeeded
	stats.AvgDuration = time.Duration(avgMS * float64(time.Millisecond))

	if stats.Total > 0 {
		last, err := s.List(ctx, RunFilter{Pipeline: pipelineName, Limit: 1})
		if err != nil {
			return RunStats{}, err
		}
		if len(last) == 1 {
			stats.LastRun = &last[0]
		}
	}
	return stats, nil
}

// timeLayout is fixed width so that text ordering in SQLite matches
// chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RunRecorder is a pipeline.Observer that records every finished run.
// Recording failures are logged and never affect the run.
type RunRecorder struct {
	store  RunStore
	logger *slog.Logger
}

// NewRunRecorder returns an observer writing to store.
func NewRunRecorder(store RunStore, logger *slog.Logger) *RunRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRecorder{store: store, logger: logger}
}

func (r *RunRecorder) RunStarted(context.Context, *pipeline.RunContext) {}

func (r *RunRecorder) StageFinished(context.Context, *pipeline.RunContext, pipeline.StageResult) {}

// RunFinished stores res.
func (r *RunRecorder) RunFinished(ctx context.Context, res *pipeline.RunResult) {
	if err := r.store.Record(ctx, res); err != nil {
		r.logger.Error("Failed to record run history", "run_id", res.RunID, "pipeline", res.Pipeline, "error", err)
		return
	}
	r.logger.Debug("Run recorded", "run_id", res.RunID, "pipeline", res.Pipeline)
}

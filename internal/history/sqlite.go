package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/buildhost/internal/model"
)

// ErrNotFound is returned when a run record does not exist.
var ErrNotFound = errors.New("run not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-based run store.
// Use ":memory:" for in-memory storage, or a file path for persistence.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS build_runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		commit_id TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		parameters TEXT,
		log TEXT NOT NULL DEFAULT '',
		timing TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(task_id, number)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_task ON build_runs(task_id, number);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON build_runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.BuildRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	timing, err := json.Marshal(run.Timing)
	if err != nil {
		return fmt.Errorf("marshal timing: %w", err)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO build_runs (id, task_id, number, branch, commit_id, version, status, parameters, log, timing, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.Number, run.Branch, run.CommitID, run.Version,
		string(run.Status), params, run.Log, timing, run.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves one run by task id and run number.
func (s *SQLiteStore) GetRun(ctx context.Context, taskID string, number int) (*model.BuildRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, number, branch, commit_id, version, status, parameters, log, timing, created_at
		 FROM build_runs WHERE task_id = ? AND number = ?`, taskID, number)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*model.BuildRun, error) {
	var (
		run       model.BuildRun
		status    string
		params    []byte
		timing    []byte
		createdAt int64
	)
	err := row.Scan(&run.ID, &run.TaskID, &run.Number, &run.Branch, &run.CommitID,
		&run.Version, &status, &params, &run.Log, &timing, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = model.RunStatus(status)
	run.CreatedAt = time.Unix(createdAt, 0)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &run.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if len(timing) > 0 {
		if err := json.Unmarshal(timing, &run.Timing); err != nil {
			return nil, fmt.Errorf("unmarshal timing: %w", err)
		}
	}
	return &run, nil
}

// GetRunStatus retrieves only the persisted run status.
func (s *SQLiteStore) GetRunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM build_runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query status: %w", err)
	}
	return model.RunStatus(status), nil
}

// SetStatus writes a run's status unconditionally.
func (s *SQLiteStore) SetStatus(ctx context.Context, runID string, status model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, `UPDATE build_runs SET status = ? WHERE id = ?`, string(status), runID)
}

// MarkRunning moves a pending run to running. The transition is conditional
// so a termination written while the run was still queued is never
// overwritten; it reports false when the run had already left pending.
func (s *SQLiteStore) MarkRunning(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE build_runs SET status = ? WHERE id = ? AND status = ?`,
		string(model.StatusRunning), runID, string(model.StatusPending))
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Distinguish a missing run from one already moved out of pending.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM build_runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query status: %w", err)
	}
	return false, nil
}

// FinalizeStatus writes a terminal status unless the run was already
// terminated externally; termination always wins over a concurrently
// computed success/failed outcome.
func (s *SQLiteStore) FinalizeStatus(ctx context.Context, runID string, status model.RunStatus) (model.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM build_runs WHERE id = ?`, runID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query status: %w", err)
	}
	if model.RunStatus(current) == model.StatusTerminated {
		return model.StatusTerminated, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE build_runs SET status = ? WHERE id = ?`, string(status), runID); err != nil {
		return "", fmt.Errorf("update status: %w", err)
	}
	return status, tx.Commit()
}

// SetLog replaces the run's accumulated log text.
func (s *SQLiteStore) SetLog(ctx context.Context, runID string, log string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, `UPDATE build_runs SET log = ? WHERE id = ?`, log, runID)
}

// AppendLog appends text to the run's log.
func (s *SQLiteStore) AppendLog(ctx context.Context, runID string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, `UPDATE build_runs SET log = log || ? WHERE id = ?`, text, runID)
}

// SetVersion records the version a run built.
func (s *SQLiteStore) SetVersion(ctx context.Context, runID string, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(ctx, `UPDATE build_runs SET version = ? WHERE id = ?`, version, runID)
}

// SetTiming replaces the run's timing structure.
func (s *SQLiteStore) SetTiming(ctx context.Context, runID string, timing model.Timing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(timing)
	if err != nil {
		return fmt.Errorf("marshal timing: %w", err)
	}
	return s.exec(ctx, `UPDATE build_runs SET timing = ? WHERE id = ?`, data, runID)
}

// ListRuns returns runs for a task, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, taskID string, limit int) ([]*model.BuildRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, number, branch, commit_id, version, status, parameters, log, timing, created_at
		 FROM build_runs WHERE task_id = ? ORDER BY number DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.BuildRun
	for rows.Next() {
		var (
			run       model.BuildRun
			status    string
			params    []byte
			timing    []byte
			createdAt int64
		)
		if err := rows.Scan(&run.ID, &run.TaskID, &run.Number, &run.Branch, &run.CommitID,
			&run.Version, &status, &params, &run.Log, &timing, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = model.RunStatus(status)
		run.CreatedAt = time.Unix(createdAt, 0)
		if len(params) > 0 {
			if err := json.Unmarshal(params, &run.Parameters); err != nil {
				return nil, fmt.Errorf("unmarshal parameters: %w", err)
			}
		}
		if len(timing) > 0 {
			if err := json.Unmarshal(timing, &run.Timing); err != nil {
				return nil, fmt.Errorf("unmarshal timing: %w", err)
			}
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// LastRunNumber returns the highest run number recorded for a task.
func (s *SQLiteStore) LastRunNumber(ctx context.Context, taskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(number) FROM build_runs WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query last run number: %w", err)
	}
	return int(n.Int64), nil
}

// HasActiveRun reports whether the task has a pending or running run.
func (s *SQLiteStore) HasActiveRun(ctx context.Context, taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM build_runs WHERE task_id = ? AND status IN ('pending', 'running')`, taskID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query active runs: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

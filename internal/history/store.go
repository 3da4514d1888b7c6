// Package history persists build run records. The store is the single
// source of truth for run status: external termination is recorded here and
// observed by the executing orchestrator through re-reads, never through
// shared memory.
package history

import (
	"context"

	"git.home.luguber.info/inful/buildhost/internal/model"
)

// Store defines the interface for persisting and retrieving build runs.
type Store interface {
	// CreateRun inserts a new run record (normally status pending).
	CreateRun(ctx context.Context, run *model.BuildRun) error

	// GetRun retrieves one run by task id and run number.
	GetRun(ctx context.Context, taskID string, number int) (*model.BuildRun, error)

	// GetRunStatus retrieves only the persisted status of a run.
	GetRunStatus(ctx context.Context, runID string) (model.RunStatus, error)

	// SetStatus writes a run's status unconditionally.
	SetStatus(ctx context.Context, runID string, status model.RunStatus) error

	// MarkRunning moves a pending run to running, reporting false when the
	// run had already left pending (for example terminated while queued).
	MarkRunning(ctx context.Context, runID string) (bool, error)

	// FinalizeStatus writes a terminal status unless the persisted status is
	// already terminated, and reports the status that ended up stored.
	FinalizeStatus(ctx context.Context, runID string, status model.RunStatus) (model.RunStatus, error)

	// SetLog replaces the run's accumulated log text.
	SetLog(ctx context.Context, runID string, log string) error

	// AppendLog appends text to the run's log.
	AppendLog(ctx context.Context, runID string, text string) error

	// SetVersion records the version a run built.
	SetVersion(ctx context.Context, runID string, version string) error

	// SetTiming replaces the run's timing structure.
	SetTiming(ctx context.Context, runID string, timing model.Timing) error

	// ListRuns returns runs for a task, newest first.
	ListRuns(ctx context.Context, taskID string, limit int) ([]*model.BuildRun, error)

	// LastRunNumber returns the highest run number recorded for a task.
	LastRunNumber(ctx context.Context, taskID string) (int, error)

	// HasActiveRun reports whether the task has a pending or running run.
	HasActiveRun(ctx context.Context, taskID string) (bool, error)

	// Close releases store resources.
	Close() error
}

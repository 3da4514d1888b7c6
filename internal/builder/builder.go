// Package builder orchestrates one build run end to end: source checkout,
// auxiliary script repository, environment assembly, stage execution and the
// completion path. The orchestrator owns its run exclusively while it
// executes; the only external influence is termination written to the
// history store, observed through polling.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/buildhost/internal/cancel"
	"git.home.luguber.info/inful/buildhost/internal/gitops"
	"git.home.luguber.info/inful/buildhost/internal/history"
	"git.home.luguber.info/inful/buildhost/internal/logfields"
	"git.home.luguber.info/inful/buildhost/internal/loghub"
	"git.home.luguber.info/inful/buildhost/internal/metrics"
	"git.home.luguber.info/inful/buildhost/internal/model"
	"git.home.luguber.info/inful/buildhost/internal/pipeline"
	"git.home.luguber.info/inful/buildhost/internal/shell"
)

// TaskRepository is the slice of the task store the orchestrator writes back
// to: run counters and the published version marker.
type TaskRepository interface {
	IncrementOutcome(taskID string, success bool) error
	SetCurrentVersion(taskID, version string) error
}

// CredentialProvider resolves a credential reference to a secret token.
type CredentialProvider interface {
	Credential(id string) (string, error)
}

// Notifier receives exactly one completion notification per run.
type Notifier interface {
	BuildCompleted(run *model.BuildRun) error
}

// cancelCacheInterval bounds how often the history store is queried for
// external termination.
const cancelCacheInterval = time.Second

// Orchestrator executes build runs. Safe for concurrent use; each Execute
// call drives one run in the calling goroutine.
type Orchestrator struct {
	workspaceRoot string
	store         history.Store
	tasks         TaskRepository
	creds         CredentialProvider
	notifier      Notifier
	hub           *loghub.Hub
	git           *gitops.Client
	recorder      metrics.Recorder
	active        atomic.Int64
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithRecorder installs a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithNotifier installs the completion notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// New creates an orchestrator rooted at workspaceRoot.
func New(workspaceRoot string, store history.Store, tasks TaskRepository, creds CredentialProvider, hub *loghub.Hub, options ...Option) *Orchestrator {
	o := &Orchestrator{
		workspaceRoot: workspaceRoot,
		store:         store,
		tasks:         tasks,
		creds:         creds,
		hub:           hub,
		git:           gitops.NewClient(),
		recorder:      metrics.NoopRecorder{},
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// execution is the per-run state. Owned by one goroutine; the sink it holds
// has its own lock because the hub consumers run elsewhere.
type execution struct {
	o         *Orchestrator
	task      *model.BuildTask
	run       *model.BuildRun
	version   string
	buildPath string
	cancelSrc cancel.Source
	sink      *logSink
	timing    model.Timing
}

// Execute drives one run from pending to a terminal status. It returns an
// error only for setup failures that prevented the run from starting at all;
// build failures are reported through the persisted run status.
func (o *Orchestrator) Execute(ctx context.Context, task *model.BuildTask, run *model.BuildRun) error {
	if task == nil || run == nil {
		return fmt.Errorf("task and run are required")
	}

	e := &execution{o: o, task: task, run: run}
	e.cancelSrc = cancel.NewCached(cancel.Func(func() bool {
		status, err := o.store.GetRunStatus(ctx, run.ID)
		if err != nil {
			slog.Error("failed to read run status", logfields.TaskID(task.ID), logfields.Error(err))
			return false
		}
		return status == model.StatusTerminated
	}), cancelCacheInterval)

	// Promoted runs arrive with the version to redeploy; ephemeral runs get
	// a fresh one derived from the commit.
	e.version = run.Version
	if e.version == "" {
		e.version = model.FormatVersion(time.Now(), run.CommitID)
	}
	e.buildPath = filepath.Join(o.workspaceRoot, task.Name, e.version, task.Project.Name)
	e.timing = model.Timing{StartTime: time.Now()}

	key := loghub.Key{TaskID: task.ID, RunNumber: run.Number}
	o.hub.OpenStream(key)
	e.sink = newLogSink(o.store, o.hub, key, run.ID)

	// The transition is conditional: a termination written while the run was
	// still queued must survive, and such a run never starts its stages.
	started, err := o.store.MarkRunning(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if !started {
		e.sink.Line("build terminated before start, skipping all stages", "System")
		e.finish(ctx, false)
		return nil
	}
	if run.Version == "" {
		if err := o.store.SetVersion(ctx, run.ID, e.version); err != nil {
			slog.Error("failed to record run version", logfields.TaskID(task.ID), logfields.Error(err))
		}
	} else {
		e.sink.Line(fmt.Sprintf("using specified version: %s", e.version), "Version")
	}
	if err := o.store.SetTiming(ctx, run.ID, e.timing); err != nil {
		slog.Error("failed to record run timing", logfields.TaskID(task.ID), logfields.Error(err))
	}

	o.recorder.SetActiveBuilds(int(o.active.Add(1)))
	defer func() {
		o.recorder.SetActiveBuilds(int(o.active.Add(-1)))
	}()

	success := false
	defer func() {
		if r := recover(); r != nil {
			e.sink.Line(fmt.Sprintf("unexpected error during build: %v", r), "Error")
			success = false
		}
		e.finish(ctx, success)
	}()

	success = e.execute(ctx)
	return nil
}

func (e *execution) execute(ctx context.Context) bool {
	if e.cancelled("stopping before checkout") {
		return false
	}

	// Ephemeral environments always clone; promoted ones only when a branch
	// was explicitly given, otherwise they rebuild from the version artifact.
	shouldClone := e.task.Environment.Type.Ephemeral() || e.run.Branch != ""
	if shouldClone {
		if !e.cloneSource(ctx) {
			return false
		}
	} else {
		if err := os.MkdirAll(e.buildPath, 0o755); err != nil {
			e.sink.Line(fmt.Sprintf("failed to create build directory: %v", err), "System")
			return false
		}
	}

	if e.cancelled("stopping before script repository checkout") {
		return false
	}

	if e.task.ScriptRepo != nil {
		if !e.cloneScriptRepo(ctx) {
			return false
		}
	}

	if e.cancelled("stopping before stage execution") {
		return false
	}

	runner := shell.NewRunner(e.buildPath)
	if err := runner.InitVarsFile(); err != nil {
		e.sink.Line(fmt.Sprintf("failed to initialize build variables: %v", err), "System")
		return false
	}

	vars := e.systemVariables()
	for name, value := range e.run.Parameters {
		vars[name] = value
		e.sink.Line(fmt.Sprintf("setting parameter variable: %s=%s", name, value), "Parameters")
	}
	runner.SetEnv(combinedEnviron(vars))
	if err := runner.SaveVariables(vars); err != nil {
		e.sink.Line(fmt.Sprintf("failed to persist build variables: %v", err), "System")
		return false
	}

	p := pipeline.New(runner, e.sink.Line, pipeline.WithStageTimeFunc(e.recordStageTime))
	ok, _ := p.RunAll(e.task.Stages, e.cancelSrc)
	return ok
}

func (e *execution) cancelled(msg string) bool {
	if e.cancelSrc.Cancelled() {
		e.sink.Line("build terminated, "+msg, "System")
		return true
	}
	return false
}

// cloneSource checks out the primary repository into the build path.
func (e *execution) cloneSource(ctx context.Context) bool {
	e.sink.Line(fmt.Sprintf("cloning source, branch: %s", e.run.Branch), "Git Clone")
	e.sink.Line(fmt.Sprintf("build directory: %s", e.buildPath), "Git Clone")
	e.sink.Line(fmt.Sprintf("repository: %s", e.task.Project.Repository), "Git Clone")

	token := ""
	if e.task.CredentialID != "" {
		var err error
		token, err = e.o.creds.Credential(e.task.CredentialID)
		if err != nil {
			e.sink.Line("failed to resolve credential, trying anonymous clone", "Git Clone")
		}
	}

	start := time.Now()
	err := e.o.git.Clone(ctx, gitops.CloneSpec{
		URL:    e.task.Project.Repository,
		Branch: e.run.Branch,
		Token:  token,
		Dir:    e.buildPath,
	}, e.cancelSrc)
	e.recordStageTime(model.StageResult{
		Name:      "Git Clone",
		StartTime: start,
		Duration:  int64(time.Since(start).Seconds()),
		Outcome:   cloneOutcome(err),
	})
	e.o.recorder.ObserveCloneDuration(gitops.RepoNameFromURL(e.task.Project.Repository), time.Since(start), err == nil)
	if err != nil {
		e.sink.Line(fmt.Sprintf("source checkout failed: %v", err), "Git Clone")
		return false
	}

	e.sink.Line("source checkout complete", "Git Clone")
	return true
}

// cloneScriptRepo checks out the auxiliary script repository. A configured
// script repository that cannot be cloned fails the build.
func (e *execution) cloneScriptRepo(ctx context.Context) bool {
	cfg := e.task.ScriptRepo
	if cfg.URL == "" || cfg.Directory == "" || cfg.Branch == "" {
		e.sink.Line("script repository configuration incomplete, skipping", "External Scripts")
		return true
	}

	repoName := gitops.RepoNameFromURL(cfg.URL)
	dir := filepath.Join(cfg.Directory, repoName)
	e.sink.Line(fmt.Sprintf("cloning script repository %s (branch %s) into %s", cfg.URL, cfg.Branch, dir), "External Scripts")

	token := ""
	if cfg.CredentialID != "" {
		var err error
		token, err = e.o.creds.Credential(cfg.CredentialID)
		if err != nil {
			e.sink.Line("failed to resolve script repository credential, trying anonymous clone", "External Scripts")
		}
	}

	start := time.Now()
	err := e.o.git.Clone(ctx, gitops.CloneSpec{
		URL:     cfg.URL,
		Branch:  cfg.Branch,
		Token:   token,
		Dir:     dir,
		Replace: true,
	}, e.cancelSrc)
	e.recordStageTime(model.StageResult{
		Name:      "External Scripts Clone",
		StartTime: start,
		Duration:  int64(time.Since(start).Seconds()),
		Outcome:   cloneOutcome(err),
	})
	if err != nil {
		e.sink.Line(fmt.Sprintf("script repository checkout failed: %v", err), "External Scripts")
		return false
	}

	e.sink.Line("script repository checkout complete", "External Scripts")
	return true
}

func cloneOutcome(err error) string {
	if err == nil {
		return shell.OutcomeSuccess.String()
	}
	return shell.OutcomeFailed.String()
}

func (e *execution) recordStageTime(result model.StageResult) {
	e.timing.StagesTime = append(e.timing.StagesTime, result)
	e.o.recorder.ObserveStageDuration(result.Name, time.Duration(result.Duration)*time.Second)
	e.o.recorder.IncStageResult(result.Name, metrics.ResultLabel(result.Outcome))
	if err := e.o.store.SetTiming(context.Background(), e.run.ID, e.timing); err != nil {
		slog.Error("failed to persist stage timing", logfields.TaskID(e.task.ID), logfields.Error(err))
	}
}

// finish runs the completion path exactly once: final status with terminated
// precedence, log flush, stream completion, notification and task counters.
func (e *execution) finish(ctx context.Context, success bool) {
	e.timing.EndTime = time.Now()
	e.timing.TotalDuration = int64(e.timing.EndTime.Sub(e.timing.StartTime).Seconds())

	final := model.StatusFailed
	if success {
		final = model.StatusSuccess
	}
	stored, err := e.o.store.FinalizeStatus(ctx, e.run.ID, final)
	if err != nil {
		slog.Error("failed to finalize run status", logfields.TaskID(e.task.ID), logfields.RunNumber(e.run.Number), logfields.Error(err))
		stored = final
	}

	e.sink.Line(fmt.Sprintf("build finished, status: %s", stored), "Build")
	e.sink.Flush(ctx)

	if err := e.o.store.SetTiming(ctx, e.run.ID, e.timing); err != nil {
		slog.Error("failed to persist run timing", logfields.TaskID(e.task.ID), logfields.Error(err))
	}

	key := loghub.Key{TaskID: e.task.ID, RunNumber: e.run.Number}
	e.o.hub.MarkComplete(key, stored)

	e.run.Status = stored
	e.run.Version = e.version
	e.run.Timing = e.timing

	if e.o.notifier != nil {
		if err := e.o.notifier.BuildCompleted(e.run); err != nil {
			slog.Error("failed to send completion notification", logfields.TaskID(e.task.ID), logfields.Error(err))
		}
	}

	// Terminated runs do not count toward success or failure totals, and
	// only a successful run advances the published version.
	if stored != model.StatusTerminated {
		if err := e.o.tasks.IncrementOutcome(e.task.ID, stored == model.StatusSuccess); err != nil {
			slog.Error("failed to update task counters", logfields.TaskID(e.task.ID), logfields.Error(err))
		}
	}
	if stored == model.StatusSuccess {
		if err := e.o.tasks.SetCurrentVersion(e.task.ID, e.version); err != nil {
			slog.Error("failed to advance task version", logfields.TaskID(e.task.ID), logfields.Error(err))
		}
	}

	e.o.recorder.ObserveBuildDuration(e.timing.EndTime.Sub(e.timing.StartTime))
	e.o.recorder.IncBuildOutcome(string(stored))

	slog.Info("build run finished",
		logfields.TaskID(e.task.ID),
		logfields.RunNumber(e.run.Number),
		logfields.Status(string(stored)),
		logfields.Version(e.version),
		slog.Int64("duration_seconds", e.timing.TotalDuration))
}

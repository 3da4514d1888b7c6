// Package scheduler triggers builds on cron schedules. Each task with a
// schedule gets one cron job; the job resolves the branch head and launches
// a run through the same path manual triggers use.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/buildhost/internal/gitops"
	"git.home.luguber.info/inful/buildhost/internal/history"
	"git.home.luguber.info/inful/buildhost/internal/logfields"
	"git.home.luguber.info/inful/buildhost/internal/model"
)

// TaskSource provides schedulable task definitions and run numbering.
type TaskSource interface {
	List() []*model.BuildTask
	Get(taskID string) (*model.BuildTask, error)
	NextRunNumber(taskID string) (int, error)
	Credential(id string) (string, error)
}

// Executor runs one build to completion.
type Executor interface {
	Execute(ctx context.Context, task *model.BuildTask, run *model.BuildRun) error
}

// Scheduler wraps gocron and keeps the job set in sync with the task set.
type Scheduler struct {
	scheduler gocron.Scheduler
	tasks     TaskSource
	store     history.Store
	executor  Executor
	git       *gitops.Client
}

// New creates a scheduler over the given collaborators.
func New(tasks TaskSource, store history.Store, executor Executor) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		tasks:     tasks,
		store:     store,
		executor:  executor,
		git:       gitops.NewClient(),
	}, nil
}

// Reload replaces all scheduled jobs with the current task definitions.
// Called at startup and whenever the task file changes.
func (s *Scheduler) Reload() error {
	if err := s.scheduler.StopJobs(); err != nil {
		return fmt.Errorf("failed to stop scheduled jobs: %w", err)
	}
	s.scheduler.RemoveByTags("task-schedule")

	count := 0
	for _, task := range s.tasks.List() {
		if task.Schedule == nil || task.Schedule.Cron == "" || task.Disabled {
			continue
		}
		taskID := task.ID
		_, err := s.scheduler.NewJob(
			gocron.CronJob(task.Schedule.Cron, false),
			gocron.NewTask(s.runScheduled, taskID),
			gocron.WithName(fmt.Sprintf("build-%s", taskID)),
			gocron.WithTags("task-schedule"),
		)
		if err != nil {
			slog.Error("failed to schedule task", logfields.TaskID(taskID), logfields.Error(err))
			continue
		}
		count++
		slog.Info("task scheduled", logfields.TaskID(taskID), slog.String("cron", task.Schedule.Cron))
	}
	s.scheduler.Start()
	slog.Info("schedules loaded", slog.Int("jobs", count))
	return nil
}

// Stop shuts the scheduler down.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// runScheduled is invoked by gocron for each due schedule.
func (s *Scheduler) runScheduled(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	task, err := s.tasks.Get(taskID)
	if err != nil {
		slog.Error("scheduled task no longer exists", logfields.TaskID(taskID), logfields.Error(err))
		return
	}
	if task.Disabled || task.Schedule == nil {
		return
	}
	if !task.Environment.Type.Ephemeral() {
		slog.Warn("schedules only apply to ephemeral environments, skipping", logfields.TaskID(taskID))
		return
	}

	active, err := s.store.HasActiveRun(ctx, taskID)
	if err != nil {
		slog.Error("failed to check active runs", logfields.TaskID(taskID), logfields.Error(err))
		return
	}
	if active {
		slog.Info("skipping scheduled build, previous run still active", logfields.TaskID(taskID))
		return
	}

	branch := task.Schedule.Branch
	if branch == "" {
		branch = task.Branch
	}

	token := ""
	if task.CredentialID != "" {
		if token, err = s.tasks.Credential(task.CredentialID); err != nil {
			slog.Warn("failed to resolve credential for scheduled build", logfields.TaskID(taskID), logfields.Error(err))
		}
	}
	commitID, err := s.git.ResolveBranchHead(ctx, task.Project.Repository, branch, token)
	if err != nil {
		slog.Error("failed to resolve branch head for scheduled build", logfields.TaskID(taskID), logfields.Branch(branch), logfields.Error(err))
		return
	}

	number, err := s.tasks.NextRunNumber(taskID)
	if err != nil {
		slog.Error("failed to allocate run number", logfields.TaskID(taskID), logfields.Error(err))
		return
	}

	run := &model.BuildRun{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Number:    number,
		Branch:    branch,
		CommitID:  commitID,
		Status:    model.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		slog.Error("failed to record scheduled run", logfields.TaskID(taskID), logfields.Error(err))
		return
	}

	slog.Info("scheduled build triggered", logfields.TaskID(taskID), logfields.RunNumber(number), logfields.Branch(branch))
	if err := s.executor.Execute(context.Background(), task, run); err != nil {
		slog.Error("scheduled build failed to start", logfields.TaskID(taskID), logfields.Error(err))
	}
}

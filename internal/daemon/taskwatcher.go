package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/buildhost/internal/logfields"
	"git.home.luguber.info/inful/buildhost/internal/scheduler"
	"git.home.luguber.info/inful/buildhost/internal/taskstore"
)

// TaskWatcher reloads task definitions when the tasks file changes and
// re-syncs the cron schedules. Editors replace files with rename/create
// sequences, so the containing directory is watched rather than the file.
type TaskWatcher struct {
	tasks        *taskstore.Store
	sched        *scheduler.Scheduler
	watcher      *fsnotify.Watcher
	tasksPath    string
	stopChan     chan struct{}
	reloadChan   chan struct{}
	debounceTime time.Duration
}

// NewTaskWatcher creates a watcher over the task store's backing file.
func NewTaskWatcher(tasks *taskstore.Store, sched *scheduler.Scheduler) (*TaskWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	absPath, err := filepath.Abs(tasks.Path())
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve tasks path: %w", err)
	}

	return &TaskWatcher{
		tasks:        tasks,
		sched:        sched,
		watcher:      watcher,
		tasksPath:    absPath,
		stopChan:     make(chan struct{}),
		reloadChan:   make(chan struct{}, 1),
		debounceTime: 2 * time.Second,
	}, nil
}

// Start begins monitoring the tasks file.
func (w *TaskWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.tasksPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch tasks directory %s: %w", dir, err)
	}

	slog.Info("watching task definitions", logfields.Path(w.tasksPath))
	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *TaskWatcher) Stop() {
	close(w.stopChan)
	if err := w.watcher.Close(); err != nil {
		slog.Error("failed to close file watcher", logfields.Error(err))
	}
}

func (w *TaskWatcher) watchLoop(ctx context.Context) {
	fileName := filepath.Base(w.tasksPath)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Rename):
				w.triggerReload()
			case event.Op.Has(fsnotify.Remove):
				slog.Warn("tasks file removed", logfields.Path(event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("task watcher error", logfields.Error(err))
		}
	}
}

func (w *TaskWatcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.reloadChan:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounceTime, w.performReload)
		}
	}
}

func (w *TaskWatcher) triggerReload() {
	select {
	case w.reloadChan <- struct{}{}:
	default: // reload already pending
	}
}

func (w *TaskWatcher) performReload() {
	slog.Info("reloading task definitions", logfields.Path(w.tasksPath))
	if err := w.tasks.Reload(); err != nil {
		slog.Error("failed to reload task definitions", logfields.Error(err))
		return
	}
	if err := w.sched.Reload(); err != nil {
		slog.Error("failed to re-sync schedules", logfields.Error(err))
	}
}

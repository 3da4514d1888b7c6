// Package daemon wires the build engine together for long-running service
// mode: task repository, history store, log hub, orchestrator, HTTP server,
// cron schedules and the task file watcher.
package daemon

import (
	"context"
	"fmt"
	"log/slog"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/buildhost/internal/builder"
	"git.home.luguber.info/inful/buildhost/internal/config"
	"git.home.luguber.info/inful/buildhost/internal/history"
	"git.home.luguber.info/inful/buildhost/internal/logfields"
	"git.home.luguber.info/inful/buildhost/internal/loghub"
	"git.home.luguber.info/inful/buildhost/internal/metrics"
	"git.home.luguber.info/inful/buildhost/internal/notify"
	"git.home.luguber.info/inful/buildhost/internal/scheduler"
	"git.home.luguber.info/inful/buildhost/internal/server"
	"git.home.luguber.info/inful/buildhost/internal/taskstore"
)

// Daemon is the assembled service.
type Daemon struct {
	cfg      *config.Config
	tasks    *taskstore.Store
	store    history.Store
	hub      *loghub.Hub
	notifier notify.Notifier
	registry *prom.Registry
	orch     *builder.Orchestrator
	srv      *server.Server
	sched    *scheduler.Scheduler
	watcher  *TaskWatcher
}

// New builds the full service from configuration.
func New(cfg *config.Config) (*Daemon, error) {
	tasks, err := taskstore.Load(cfg.Tasks.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load task definitions: %w", err)
	}

	store, err := history.NewSQLiteStore(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	registry := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	hub := loghub.New(
		loghub.WithCapacity(cfg.Hub.QueueCapacity),
		loghub.WithConsumeWait(cfg.Hub.ConsumeWait),
		loghub.WithDropFunc(recorder.IncLogLinesDropped),
	)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.Enabled {
		n, err := notify.NewNATSNotifier(cfg.Notify.URL, cfg.Notify.Subject)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize notifier: %w", err)
		}
		notifier = n
	}

	orch := builder.New(cfg.Workspace.Root, store, tasks, tasks, hub,
		builder.WithRecorder(recorder),
		builder.WithNotifier(notifier),
	)

	srv := server.New(cfg.Server.Addr, tasks, store, hub, orch, registry)

	sched, err := scheduler.New(tasks, store, orch)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		tasks:    tasks,
		store:    store,
		hub:      hub,
		notifier: notifier,
		registry: registry,
		orch:     orch,
		srv:      srv,
		sched:    sched,
	}

	if cfg.Tasks.Watch {
		watcher, err := NewTaskWatcher(tasks, sched)
		if err != nil {
			return nil, fmt.Errorf("failed to create task watcher: %w", err)
		}
		d.watcher = watcher
	}

	return d, nil
}

// Run starts all components and blocks until ctx is cancelled or the HTTP
// server fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.sched.Reload(); err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start task watcher: %w", err)
		}
	}

	err := d.srv.Start(ctx)

	if d.watcher != nil {
		d.watcher.Stop()
	}
	if stopErr := d.sched.Stop(); stopErr != nil {
		slog.Error("failed to stop scheduler", logfields.Error(stopErr))
	}
	if closeErr := d.notifier.Close(); closeErr != nil {
		slog.Error("failed to close notifier", logfields.Error(closeErr))
	}
	if closeErr := d.store.Close(); closeErr != nil {
		slog.Error("failed to close history store", logfields.Error(closeErr))
	}
	return err
}

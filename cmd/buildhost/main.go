// buildhost runs shell-stage CI builds for declaratively configured tasks:
// as a daemon with an HTTP/SSE surface and cron schedules, or as a one-shot
// command line build.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/buildhost/internal/builder"
	"git.home.luguber.info/inful/buildhost/internal/config"
	"git.home.luguber.info/inful/buildhost/internal/daemon"
	"git.home.luguber.info/inful/buildhost/internal/history"
	"git.home.luguber.info/inful/buildhost/internal/loghub"
	"git.home.luguber.info/inful/buildhost/internal/model"
	"git.home.luguber.info/inful/buildhost/internal/taskstore"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Daemon struct{} `cmd:"" help:"Run the build service: HTTP API, SSE log streams, schedules"`

	Run struct {
		Task   string `arg:"" help:"Task id to build"`
		Branch string `short:"b" help:"Branch to build (ephemeral environments)"`
		Commit string `help:"Commit id to record (ephemeral environments)"`
		Ver    string `name:"version" help:"Version to redeploy (promoted environments)"`
	} `cmd:"" help:"Execute one build run and stream its log to stdout"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`
}

func main() {
	ctx := kong.Parse(&CLI)

	var err error
	switch ctx.Command() {
	case "daemon":
		err = runDaemon()
	case "run <task>":
		err = runOnce()
	case "init":
		err = config.Init(CLI.Config, CLI.Init.Force)
	default:
		err = fmt.Errorf("unknown command: %s", ctx.Command())
	}
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, err
	}
	cfg.Logging.SetupLogging(CLI.Verbose)
	return cfg, nil
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// runOnce executes a single build in the foreground. The live log is
// consumed from the hub and written to stdout, same frames an SSE viewer
// would see.
func runOnce() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tasks, err := taskstore.Load(cfg.Tasks.Path)
	if err != nil {
		return fmt.Errorf("failed to load task definitions: %w", err)
	}
	task, err := tasks.Get(CLI.Run.Task)
	if err != nil {
		return err
	}

	if task.Environment.Type.Ephemeral() {
		if CLI.Run.Branch == "" || CLI.Run.Commit == "" {
			return fmt.Errorf("--branch and --commit are required for %s environments", task.Environment.Type)
		}
	} else if CLI.Run.Ver == "" {
		return fmt.Errorf("--version is required for %s environments", task.Environment.Type)
	}

	commitID := CLI.Run.Commit
	if CLI.Run.Ver != "" {
		if commitID, err = model.ParseVersion(CLI.Run.Ver); err != nil {
			return err
		}
	}

	store, err := history.NewSQLiteStore(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	hub := loghub.New(
		loghub.WithCapacity(cfg.Hub.QueueCapacity),
		loghub.WithConsumeWait(cfg.Hub.ConsumeWait),
	)

	number, err := tasks.NextRunNumber(task.ID)
	if err != nil {
		return err
	}
	run := &model.BuildRun{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Number:    number,
		Branch:    CLI.Run.Branch,
		CommitID:  commitID,
		Version:   CLI.Run.Ver,
		Status:    model.StatusPending,
		CreatedAt: time.Now(),
	}
	runCtx := context.Background()
	if err := store.CreateRun(runCtx, run); err != nil {
		return err
	}

	key := loghub.Key{TaskID: task.ID, RunNumber: number}
	hub.OpenStream(key)
	subscriberID := uuid.NewString()
	hub.Subscribe(key, subscriberID)
	events, err := hub.Consume(key, subscriberID)
	if err != nil {
		return err
	}

	tail := make(chan struct{})
	go func() {
		defer close(tail)
		for ev := range events {
			switch ev.Kind {
			case loghub.EventLine:
				fmt.Println(ev.Line.Text)
			case loghub.EventComplete:
				return
			}
		}
	}()

	orch := builder.New(cfg.Workspace.Root, store, tasks, tasks, hub)
	if err := orch.Execute(runCtx, task, run); err != nil {
		hub.Unsubscribe(key, subscriberID)
		return err
	}
	<-tail

	final, err := store.GetRunStatus(runCtx, run.ID)
	if err != nil {
		return err
	}
	if final != model.StatusSuccess {
		return fmt.Errorf("build %s finished with status %s", run.Ref(), final)
	}
	return nil
}

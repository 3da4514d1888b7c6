package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.home.luguber.info/inful/buildhost/internal/config"
)

const taskFixture = `
tasks:
  - id: backend
    name: backend
    project:
      id: p1
      name: backend-api
      repository: https://git.example.com/acme/backend-api.git
    environment:
      id: e1
      name: dev
      type: development
    stages:
      - name: Build
        script: make build
`

func testConfig(t *testing.T, watch bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	tasksPath := filepath.Join(dir, "tasks.yaml")
	if err := os.WriteFile(tasksPath, []byte(taskFixture), 0o644); err != nil {
		t.Fatalf("write tasks file: %v", err)
	}
	return &config.Config{
		Workspace: config.WorkspaceConfig{Root: filepath.Join(dir, "builds")},
		History:   config.HistoryConfig{Path: ":memory:"},
		Hub:       config.HubConfig{QueueCapacity: 100, ConsumeWait: 100 * time.Millisecond},
		Server:    config.ServerConfig{Addr: "127.0.0.1:0"},
		Tasks:     config.TasksConfig{Path: tasksPath, Watch: watch},
	}
}

func TestNewWiresComponents(t *testing.T) {
	d, err := New(testConfig(t, false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.store.Close() })

	if d.orch == nil || d.srv == nil || d.sched == nil || d.hub == nil {
		t.Errorf("daemon wiring incomplete: %+v", d)
	}
	if d.watcher != nil {
		t.Errorf("watcher should be absent when watch is disabled")
	}
	if len(d.tasks.List()) != 1 {
		t.Errorf("task definitions not loaded")
	}
}

func TestNewWithWatcher(t *testing.T) {
	d, err := New(testConfig(t, true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.store.Close() })

	if d.watcher == nil {
		t.Errorf("watcher should be created when watch is enabled")
	}
}

func TestNewMissingTasksFile(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Tasks.Path = filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := New(cfg); err == nil {
		t.Errorf("missing tasks file should fail")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d, err := New(testConfig(t, false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

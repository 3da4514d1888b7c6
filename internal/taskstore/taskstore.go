// Package taskstore is the task repository: it loads declarative build task
// definitions from a YAML file and persists the small mutable slice of task
// state (run counters, current version) in a sidecar JSON file. The engine
// reads stage lists and checkout configuration from here and writes back
// only counters and version markers.
package taskstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/buildhost/internal/logfields"
	"git.home.luguber.info/inful/buildhost/internal/model"
)

// TaskStats is the mutable per-task state persisted across restarts.
type TaskStats struct {
	LastRunNumber  int    `json:"last_run_number"`
	TotalRuns      int    `json:"total_runs"`
	SuccessRuns    int    `json:"success_runs"`
	FailureRuns    int    `json:"failure_runs"`
	CurrentVersion string `json:"current_version"`
}

// taskFile is the on-disk task definitions document. Credential values
// normally reference environment variables; the file content is
// env-expanded before parsing.
type taskFile struct {
	Tasks       []model.BuildTask `yaml:"tasks"`
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

// Store loads and serves task definitions.
type Store struct {
	mu        sync.RWMutex
	tasksPath string
	statsPath string
	tasks     map[string]*model.BuildTask
	order     []string
	creds     map[string]string
	stats     map[string]*TaskStats
}

// Load reads task definitions and their sidecar stats file.
func Load(tasksPath string) (*Store, error) {
	s := &Store{
		tasksPath: tasksPath,
		statsPath: tasksPath + ".state.json",
		tasks:     make(map[string]*model.BuildTask),
		stats:     make(map[string]*TaskStats),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	if err := s.loadStats(); err != nil {
		slog.Warn("task stats not loaded, starting fresh", logfields.Error(err))
	}
	return s, nil
}

// Reload re-reads the task definitions file, keeping existing stats.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.tasksPath)
	if err != nil {
		return fmt.Errorf("failed to read tasks file: %w", err)
	}
	var doc taskFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &doc); err != nil {
		return fmt.Errorf("failed to parse tasks file: %w", err)
	}

	tasks := make(map[string]*model.BuildTask, len(doc.Tasks))
	order := make([]string, 0, len(doc.Tasks))
	for i := range doc.Tasks {
		t := doc.Tasks[i]
		if t.ID == "" {
			return fmt.Errorf("task %q has no id", t.Name)
		}
		if _, dup := tasks[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		if t.Branch == "" {
			t.Branch = "main"
		}
		tasks[t.ID] = &t
		order = append(order, t.ID)
	}

	s.mu.Lock()
	s.tasks = tasks
	s.order = order
	s.creds = doc.Credentials
	s.mu.Unlock()
	slog.Info("task definitions loaded", slog.Int("tasks", len(order)), logfields.Path(s.tasksPath))
	return nil
}

// Get returns a copy of one task with its stats folded in.
func (s *Store) Get(taskID string) (*model.BuildTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	out := *t
	s.foldStatsLocked(&out)
	return &out, nil
}

// List returns copies of all tasks in definition order.
func (s *Store) List() []*model.BuildTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.BuildTask, 0, len(s.order))
	for _, id := range s.order {
		t := *s.tasks[id]
		s.foldStatsLocked(&t)
		out = append(out, &t)
	}
	return out
}

func (s *Store) foldStatsLocked(t *model.BuildTask) {
	if st, ok := s.stats[t.ID]; ok {
		t.LastRunNumber = st.LastRunNumber
		t.TotalRuns = st.TotalRuns
		t.SuccessRuns = st.SuccessRuns
		t.FailureRuns = st.FailureRuns
		t.CurrentVersion = st.CurrentVersion
	}
}

// NextRunNumber allocates the next monotonic run number for a task.
func (s *Store) NextRunNumber(taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return 0, fmt.Errorf("task %s not found", taskID)
	}
	st := s.statsLocked(taskID)
	st.LastRunNumber++
	st.TotalRuns++
	n := st.LastRunNumber
	if err := s.saveStatsLocked(); err != nil {
		slog.Error("failed to persist task stats", logfields.TaskID(taskID), logfields.Error(err))
	}
	return n, nil
}

// IncrementOutcome adds a success or failure to the task's counters.
func (s *Store) IncrementOutcome(taskID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsLocked(taskID)
	if success {
		st.SuccessRuns++
	} else {
		st.FailureRuns++
	}
	return s.saveStatsLocked()
}

// SetCurrentVersion advances the task's published version marker.
func (s *Store) SetCurrentVersion(taskID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsLocked(taskID).CurrentVersion = version
	return s.saveStatsLocked()
}

func (s *Store) statsLocked(taskID string) *TaskStats {
	st, ok := s.stats[taskID]
	if !ok {
		st = &TaskStats{}
		s.stats[taskID] = st
	}
	return st
}

func (s *Store) loadStats() error {
	data, err := os.ReadFile(s.statsPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(data, &s.stats)
}

func (s *Store) saveStatsLocked() error {
	data, err := json.MarshalIndent(s.stats, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task stats: %w", err)
	}
	tmp := s.statsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task stats: %w", err)
	}
	return os.Rename(tmp, s.statsPath)
}

// Credential resolves a credential reference to its secret token.
func (s *Store) Credential(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.creds[id]
	if !ok || tok == "" {
		return "", fmt.Errorf("credential %s not found", id)
	}
	return tok, nil
}

// Path returns the tasks file path (for the daemon's file watcher).
func (s *Store) Path() string { return s.tasksPath }

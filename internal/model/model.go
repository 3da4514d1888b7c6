// Package model defines the core data types shared by the build execution
// engine: tasks, runs, stages and their timing records.
package model

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of one build run.
type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusRunning    RunStatus = "running"
	StatusSuccess    RunStatus = "success"
	StatusFailed     RunStatus = "failed"
	StatusTerminated RunStatus = "terminated"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// EnvironmentType classifies a target environment. Ephemeral environments
// (development, testing) check out a branch for every run; promoted
// environments (staging, production) redeploy a previously built version.
type EnvironmentType string

const (
	EnvDevelopment EnvironmentType = "development"
	EnvTesting     EnvironmentType = "testing"
	EnvStaging     EnvironmentType = "staging"
	EnvProduction  EnvironmentType = "production"
)

// Ephemeral reports whether runs in this environment clone source.
func (t EnvironmentType) Ephemeral() bool {
	return t == EnvDevelopment || t == EnvTesting
}

// Project identifies the source repository a task builds.
type Project struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	Repository string `yaml:"repository" json:"repository"`
}

// Environment is the deployment target of a task.
type Environment struct {
	ID   string          `yaml:"id" json:"id"`
	Name string          `yaml:"name" json:"name"`
	Type EnvironmentType `yaml:"type" json:"type"`
}

// StageSpec is an immutable description of one pipeline step. The name is
// used verbatim as the correlation tag on log lines.
type StageSpec struct {
	Name   string `yaml:"name" json:"name"`
	Script string `yaml:"script" json:"script"`
}

// ScriptRepo configures an auxiliary script repository cloned alongside the
// primary source before stages run.
type ScriptRepo struct {
	URL          string `yaml:"url" json:"url"`
	Directory    string `yaml:"directory" json:"directory"`
	Branch       string `yaml:"branch" json:"branch"`
	CredentialID string `yaml:"credential_id,omitempty" json:"credential_id,omitempty"`
}

// Schedule configures automatic builds for a task.
type Schedule struct {
	Cron   string `yaml:"cron" json:"cron"`
	Branch string `yaml:"branch" json:"branch"`
}

// BuildTask is a declarative build definition. Stage list, checkout
// configuration and environment policy are read-only to the engine; only the
// counters and CurrentVersion are written back.
type BuildTask struct {
	ID            string      `yaml:"id" json:"id"`
	Name          string      `yaml:"name" json:"name"`
	Project       Project     `yaml:"project" json:"project"`
	Environment   Environment `yaml:"environment" json:"environment"`
	Branch        string      `yaml:"branch" json:"branch"`
	CredentialID  string      `yaml:"credential_id,omitempty" json:"credential_id,omitempty"`
	Stages        []StageSpec `yaml:"stages" json:"stages"`
	ScriptRepo    *ScriptRepo `yaml:"script_repo,omitempty" json:"script_repo,omitempty"`
	Schedule      *Schedule   `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Disabled      bool        `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	LastRunNumber int         `yaml:"-" json:"last_run_number"`
	TotalRuns     int         `yaml:"-" json:"total_runs"`
	SuccessRuns   int         `yaml:"-" json:"success_runs"`
	FailureRuns   int         `yaml:"-" json:"failure_runs"`

	// CurrentVersion is the last successfully built version; only a
	// successful run advances it.
	CurrentVersion string `yaml:"-" json:"current_version"`
}

// StageResult records timing and outcome for one stage that began execution.
type StageResult struct {
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	Duration  int64     `json:"duration"` // seconds
	Outcome   string    `json:"outcome,omitempty"`
}

// Timing is the persisted per-run timing structure.
type Timing struct {
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time,omitzero"`
	TotalDuration int64         `json:"total_duration"` // seconds
	StagesTime    []StageResult `json:"stages_time"`
}

// BuildRun is one execution of a build task. Owned exclusively by its
// orchestrator while running; persisted through the history store.
type BuildRun struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	Number     int               `json:"number"`
	Branch     string            `json:"branch"`
	CommitID   string            `json:"commit_id"`
	Version    string            `json:"version"`
	Status     RunStatus         `json:"status"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Log        string            `json:"log,omitempty"`
	Timing     Timing            `json:"timing"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Ref returns a short human-readable identifier for log lines.
func (r *BuildRun) Ref() string { return fmt.Sprintf("%s#%d", r.TaskID, r.Number) }

// Version strings for promoted environments look like
// 20240131120000_deadbeef; ParseVersion extracts the commit id.
func ParseVersion(version string) (commitID string, err error) {
	const sep = "_"
	for i := range len(version) {
		if version[i:i+1] == sep {
			if len(version)-i-1 >= 8 {
				return version[i+1:], nil
			}
			break
		}
	}
	return "", fmt.Errorf("invalid version %q: want TIMESTAMP_COMMITID with commit id of 8+ chars", version)
}

// FormatVersion builds a version string for a fresh run.
func FormatVersion(at time.Time, commitID string) string {
	short := commitID
	if len(short) > 8 {
		short = short[:8]
	}
	return at.Format("20060102150405") + "_" + short
}

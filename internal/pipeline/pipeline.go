// Package pipeline runs an ordered list of named build stages through the
// shell stage runner, stopping at the first failure or cancellation and
// recording per-stage timing.
package pipeline

import (
	"log/slog"
	"time"

	"git.home.luguber.info/inful/buildhost/internal/cancel"
	"git.home.luguber.info/inful/buildhost/internal/logfields"
	"git.home.luguber.info/inful/buildhost/internal/model"
	"git.home.luguber.info/inful/buildhost/internal/shell"
)

// Sink receives every pipeline output line. Stage is the correlation tag
// (the stage's own name for script output, MarkerTag for boundaries).
type Sink func(line string, stage string)

// StageTimeFunc records wall-clock timing for a stage that began execution,
// regardless of its outcome.
type StageTimeFunc func(result model.StageResult)

// StageRunner abstracts the shell runner so tests can substitute outcomes.
type StageRunner interface {
	Run(script string, stageName string, cancelSrc cancel.Source, lineFn shell.LineFunc) shell.Outcome
}

// Pipeline executes stages strictly in list order.
type Pipeline struct {
	runner    StageRunner
	sink      Sink
	stageTime StageTimeFunc
}

// Option configures pipeline behavior.
type Option func(*Pipeline)

// WithStageTimeFunc installs the per-stage timing callback.
func WithStageTimeFunc(fn StageTimeFunc) Option {
	return func(p *Pipeline) { p.stageTime = fn }
}

// New creates a stage pipeline bound to a runner and a line sink.
func New(runner StageRunner, sink Sink, options ...Option) *Pipeline {
	p := &Pipeline{runner: runner, sink: sink}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// RunAll executes the stages in order. It returns true only when every stage
// completed successfully; an empty stage list is a failure with a clear
// diagnostic. The returned results hold exactly one entry per stage that
// began execution, in execution order.
func (p *Pipeline) RunAll(stages []model.StageSpec, cancelSrc cancel.Source) (bool, []model.StageResult) {
	if len(stages) == 0 {
		p.sink(emptyStagesMarker, MarkerTag)
		return false, nil
	}

	results := make([]model.StageResult, 0, len(stages))
	for _, stage := range stages {
		if cancelSrc != nil && cancelSrc.Cancelled() {
			p.sink(cancelSkipMarker, MarkerTag)
			return false, results
		}

		p.sink(StageStartedMarker(stage.Name), MarkerTag)
		start := time.Now()
		outcome := p.runStage(stage, cancelSrc)
		result := model.StageResult{
			Name:      stage.Name,
			StartTime: start,
			Duration:  int64(time.Since(start).Seconds()),
			Outcome:   outcome.String(),
		}
		results = append(results, result)
		if p.stageTime != nil {
			p.stageTime(result)
		}

		if outcome != shell.OutcomeSuccess {
			p.sink(StageFailedMarker(stage.Name), MarkerTag)
			slog.Debug("stage did not complete", logfields.Stage(stage.Name), logfields.Status(outcome.String()))
			return false, results
		}
		p.sink(StageCompletedMarker(stage.Name), MarkerTag)
	}

	p.sink(allCompleteMarker, MarkerTag)
	return true, results
}

func (p *Pipeline) runStage(stage model.StageSpec, cancelSrc cancel.Source) shell.Outcome {
	if stage.Script == "" {
		p.sink("stage script is empty", stage.Name)
		return shell.OutcomeFailed
	}
	return p.runner.Run(stage.Script, stage.Name, cancelSrc, func(line string) {
		p.sink(line, stage.Name)
	})
}

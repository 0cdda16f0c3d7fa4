package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StepResult is the outcome of a single step.
type StepResult struct {
	Name       string
	BestEffort bool
	Status     StepStatus
	Changes    []Change
	Warnings   []string
	Err        error
	StartedAt  time.Time
	Duration   time.Duration
}

// Outcome is the result of executing a plan.
type Outcome struct {
	RunID      string
	Plan       string
	Target     string
	Status     RunStatus
	Steps      []StepResult
	FailedStep string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed reports whether the run stopped on a fatal step or was cancelled.
func (o *Outcome) Failed() bool {
	return o.Status != RunStatusSucceeded
}

// Step returns the result of the named step.
func (o *Outcome) Step(name string) (StepResult, bool) {
	for _, s := range o.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Tolerated returns the best-effort steps that failed.
func (o *Outcome) Tolerated() []StepResult {
	var out []StepResult
	for _, s := range o.Steps {
		if s.Status == StepStatusTolerated {
			out = append(out, s)
		}
	}
	return out
}

// Changes returns every mutation recorded during the run, in order.
func (o *Outcome) Changes() []Change {
	var out []Change
	for _, s := range o.Steps {
		out = append(out, s.Changes...)
	}
	return out
}

// Warnings returns every warning recorded during the run, in order.
func (o *Outcome) Warnings() []string {
	var out []string
	for _, s := range o.Steps {
		out = append(out, s.Warnings...)
	}
	return out
}

// Duration returns the wall time of the run.
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Sequencer executes plans strictly in order on the calling goroutine.
// A fatal step failure stops the run; earlier effects are left in place
// because every step is safe to re-run.
type Sequencer struct {
	observers []Observer
}

// NewSequencer creates a sequencer notifying the given observers.
func NewSequencer(observers ...Observer) *Sequencer {
	s := &Sequencer{}
	for _, o := range observers {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
	return s
}

// AddObserver registers another observer.
func (s *Sequencer) AddObserver(o Observer) {
	if o != nil {
		s.observers = append(s.observers, o)
	}
}

// Execute runs the plan and reports its outcome. It never panics on step
// failure and never returns a nil outcome.
func (s *Sequencer) Execute(ctx context.Context, plan *Plan) *Outcome {
	steps := plan.Steps()
	run := RunInfo{
		ID:     uuid.New().String(),
		Plan:   plan.Name(),
		Target: plan.Target(),
		Steps:  plan.StepNames(),
	}

	outcome := &Outcome{
		RunID:     run.ID,
		Plan:      run.Plan,
		Target:    run.Target,
		Status:    RunStatusRunning,
		Steps:     make([]StepResult, 0, len(steps)),
		StartedAt: time.Now(),
	}

	logger := log.With().Str("run_id", run.ID).Str("plan", run.Plan).Logger()
	logger.Info().Int("steps", len(steps)).Str("target", run.Target).Msg("run started")

	for _, o := range s.observers {
		o.RunStarted(ctx, run)
	}

	stopped := -1
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			outcome.Status = RunStatusCancelled
			outcome.FailedStep = step.Name
			outcome.Err = err
			stopped = i
			break
		}

		result := s.executeStep(ctx, run, step)
		outcome.Steps = append(outcome.Steps, result)

		switch result.Status {
		case StepStatusTolerated:
			logger.Warn().
				Str("step", step.Name).
				Err(result.Err).
				Msg("best-effort step failed, continuing")
		case StepStatusFailed:
			logger.Error().
				Str("step", step.Name).
				Err(result.Err).
				Msg("step failed, stopping run")
			outcome.Status = RunStatusFailed
			outcome.FailedStep = step.Name
			outcome.Err = result.Err
			stopped = i + 1
		}
		if stopped >= 0 {
			break
		}
	}

	if stopped >= 0 {
		for _, step := range steps[stopped:] {
			outcome.Steps = append(outcome.Steps, StepResult{
				Name:       step.Name,
				BestEffort: step.BestEffort,
				Status:     StepStatusSkipped,
			})
		}
	} else {
		outcome.Status = RunStatusSucceeded
	}

	outcome.FinishedAt = time.Now()

	logger.Info().
		Str("status", string(outcome.Status)).
		Int("changes", len(outcome.Changes())).
		Dur("duration", outcome.Duration()).
		Msg("run finished")

	for _, o := range s.observers {
		o.RunFinished(ctx, outcome)
	}

	return outcome
}

// executeStep runs a single step and classifies its result.
func (s *Sequencer) executeStep(ctx context.Context, run RunInfo, step Step) StepResult {
	for _, o := range s.observers {
		o.StepStarted(ctx, run, step.Name)
	}

	log.Debug().Str("run_id", run.ID).Str("step", step.Name).Msg("step started")

	report := &Report{}
	started := time.Now()
	err := step.Run(ctx, report)

	result := StepResult{
		Name:       step.Name,
		BestEffort: step.BestEffort,
		Changes:    report.Changes(),
		Warnings:   report.Warnings(),
		Err:        err,
		StartedAt:  started,
		Duration:   time.Since(started),
	}

	switch {
	case err == nil:
		result.Status = StepStatusSucceeded
	case step.BestEffort:
		result.Status = StepStatusTolerated
		result.Warnings = append(result.Warnings, err.Error())
	default:
		result.Status = StepStatusFailed
	}

	log.Debug().
		Str("run_id", run.ID).
		Str("step", step.Name).
		Str("status", string(result.Status)).
		Int("changes", len(result.Changes)).
		Dur("duration", result.Duration).
		Msg("step finished")

	for _, o := range s.observers {
		o.StepFinished(ctx, run, result)
	}

	return result
}

package stores

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

// Recorder is an engine.Observer that writes every run into the store.
// Recording failures are logged and never fail the run.
type Recorder struct {
	engine.NopObserver

	store *SQLiteStore
	seq   map[string]int
}

// NewRecorder creates a recorder backed by store.
func NewRecorder(store *SQLiteStore) *Recorder {
	return &Recorder{store: store, seq: make(map[string]int)}
}

// RunStarted inserts the run row.
func (r *Recorder) RunStarted(ctx context.Context, run engine.RunInfo) {
	r.seq[run.ID] = 0
	err := r.store.CreateRun(context.WithoutCancel(ctx), &Run{
		ID:     run.ID,
		Plan:   run.Plan,
		Target: run.Target,
		Status: engine.RunStatusRunning,
		Steps:  run.Steps,
		// within a millisecond of the sequencer's own start time
		StartedAt: time.Now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record run start")
	}
}

// StepFinished records the result of an executed step.
func (r *Recorder) StepFinished(ctx context.Context, run engine.RunInfo, result engine.StepResult) {
	r.appendStep(ctx, run.ID, result)
}

// RunFinished records the skipped steps and the final status.
func (r *Recorder) RunFinished(ctx context.Context, outcome *engine.Outcome) {
	ctx = context.WithoutCancel(ctx)
	defer delete(r.seq, outcome.RunID)

	for _, step := range outcome.Steps {
		if step.Status == engine.StepStatusSkipped {
			r.appendStep(ctx, outcome.RunID, step)
		}
	}

	finished := outcome.FinishedAt
	run := &Run{
		ID:         outcome.RunID,
		Status:     outcome.Status,
		Changes:    len(outcome.Changes()),
		Warnings:   len(outcome.Warnings()),
		FinishedAt: &finished,
	}
	if outcome.FailedStep != "" {
		run.FailedStep = &outcome.FailedStep
	}
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		run.Error = &msg
		if diag := engine.Diagnostic(outcome.Err); diag != "" {
			run.Diagnostic = &diag
		}
	}

	if err := r.store.FinishRun(ctx, run); err != nil {
		log.Warn().Err(err).Str("run_id", outcome.RunID).Msg("failed to record run outcome")
	}
}

func (r *Recorder) appendStep(ctx context.Context, runID string, result engine.StepResult) {
	r.seq[runID]++
	record := &StepRecord{
		RunID:      runID,
		Seq:        r.seq[runID],
		Name:       result.Name,
		BestEffort: result.BestEffort,
		Status:     result.Status,
		Changes:    result.Changes,
		Warnings:   result.Warnings,
		Duration:   result.Duration,
	}
	if !result.StartedAt.IsZero() {
		started := result.StartedAt
		record.StartedAt = &started
	}
	if result.Err != nil {
		msg := result.Err.Error()
		record.Error = &msg
	}

	if err := r.store.AppendStep(context.WithoutCancel(ctx), record); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Str("step", result.Name).Msg("failed to record step")
	}
}

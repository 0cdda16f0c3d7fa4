package stores

import (
	"time"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

// Run is one recorded plan execution.
type Run struct {
	ID         string           `json:"id"`
	Plan       string           `json:"plan"`
	Target     string           `json:"target"`
	Status     engine.RunStatus `json:"status"`
	Steps      []string         `json:"steps"`
	FailedStep *string          `json:"failed_step,omitempty"`
	Error      *string          `json:"error,omitempty"`
	Diagnostic *string          `json:"diagnostic,omitempty"`
	Changes    int              `json:"changes"`
	Warnings   int              `json:"warnings"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// StepRecord is the recorded result of one step of a run.
type StepRecord struct {
	ID         int64             `json:"id"`
	RunID      string            `json:"run_id"`
	Seq        int               `json:"seq"`
	Name       string            `json:"name"`
	BestEffort bool              `json:"best_effort"`
	Status     engine.StepStatus `json:"status"`
	Changes    []engine.Change   `json:"changes"`
	Warnings   []string          `json:"warnings"`
	Error      *string           `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	// Plan keeps only runs of this plan when set.
	Plan string

	// Target keeps only runs against this host when set.
	Target string

	Limit  int
	Offset int
}

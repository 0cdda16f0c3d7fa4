package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

type stepSummary struct {
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	BestEffort bool            `json:"best_effort,omitempty"`
	Changes    []engine.Change `json:"changes,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   string          `json:"duration"`
}

type outcomeSummary struct {
	RunID      string        `json:"run_id"`
	Plan       string        `json:"plan"`
	Target     string        `json:"target,omitempty"`
	Status     string        `json:"status"`
	FailedStep string        `json:"failed_step,omitempty"`
	Error      string        `json:"error,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	Changes    int           `json:"changes"`
	Duration   string        `json:"duration"`
	Steps      []stepSummary `json:"steps"`
}

func summarize(o *engine.Outcome) outcomeSummary {
	s := outcomeSummary{
		RunID:      o.RunID,
		Plan:       o.Plan,
		Target:     o.Target,
		Status:     string(o.Status),
		FailedStep: o.FailedStep,
		Changes:    len(o.Changes()),
		Duration:   o.Duration().Round(time.Millisecond).String(),
		Steps:      make([]stepSummary, 0, len(o.Steps)),
	}
	if o.Err != nil {
		s.Error = o.Err.Error()
		s.Diagnostic = engine.Diagnostic(o.Err)
	}
	for _, r := range o.Steps {
		step := stepSummary{
			Name:       r.Name,
			Status:     string(r.Status),
			BestEffort: r.BestEffort,
			Changes:    r.Changes,
			Warnings:   r.Warnings,
			Duration:   r.Duration.Round(time.Millisecond).String(),
		}
		if r.Err != nil {
			step.Error = r.Err.Error()
		}
		s.Steps = append(s.Steps, step)
	}
	return s
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printOutcome writes one line per step with its changes and warnings.
func printOutcome(w io.Writer, o *engine.Outcome, asJSON bool) error {
	if asJSON {
		return printJSON(w, summarize(o))
	}

	for _, r := range o.Steps {
		fmt.Fprintf(w, "%-10s %s", r.Status, r.Name)
		if r.Status != engine.StepStatusSkipped {
			fmt.Fprintf(w, " (%s)", r.Duration.Round(time.Millisecond))
		}
		fmt.Fprintln(w)
		for _, c := range r.Changes {
			fmt.Fprintf(w, "           + %s\n", c)
		}
		for _, warning := range r.Warnings {
			fmt.Fprintf(w, "           ! %s\n", warning)
		}
	}

	changes := len(o.Changes())
	switch {
	case o.Failed():
		fmt.Fprintf(w, "\n%s %s after %d change(s)\n", o.Plan, o.Status, changes)
	case changes == 0:
		fmt.Fprintf(w, "\n%s succeeded: host already converged\n", o.Plan)
	default:
		fmt.Fprintf(w, "\n%s succeeded: %d change(s)\n", o.Plan, changes)
	}
	return nil
}

// reportFailure names the failing step and prints the remote diagnostic.
func reportFailure(w io.Writer, o *engine.Outcome) {
	switch {
	case o.Status == engine.RunStatusCancelled:
		fmt.Fprintf(w, "%s cancelled before step %q: %v\n", o.Plan, o.FailedStep, o.Err)
	case o.FailedStep != "":
		fmt.Fprintf(w, "step %q failed: %v\n", o.FailedStep, o.Err)
	default:
		fmt.Fprintf(w, "%s %s: %v\n", o.Plan, o.Status, o.Err)
	}

	diag := engine.Diagnostic(o.Err)
	if diag == "" {
		return
	}
	fmt.Fprintln(w, "remote output:")
	for _, line := range strings.Split(diag, "\n") {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

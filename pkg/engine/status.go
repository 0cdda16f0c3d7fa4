package engine

import (
	"fmt"
)

// RunStatus represents the overall status of a plan execution run.
type RunStatus string

const (
	// RunStatusPending indicates the run was created but no step has started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every fatal step succeeded. Best-effort
	// steps may still have been tolerated.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a fatal step failed and the run stopped.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the context was cancelled between steps.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// StepStatus represents the state of a single step within a run.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step converged.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates a fatal failure.
	StepStatusFailed StepStatus = "failed"

	// StepStatusTolerated indicates a best-effort step failed and the run went on.
	StepStatusTolerated StepStatus = "tolerated"

	// StepStatusSkipped indicates the step never ran because an earlier
	// fatal step stopped the run.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusTolerated, StepStatusSkipped:
		return true
	}
	return false
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded,
		StepStatusFailed, StepStatusTolerated, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

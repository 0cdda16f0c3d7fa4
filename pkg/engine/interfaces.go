package engine

import (
	"context"
)

// Executor runs commands on the target host. Implementations receive an
// already-authenticated connection; the engine never dials.
type Executor interface {
	// Execute runs cmd and blocks until it exits or its timeout elapses.
	// A non-zero exit is returned as a KindRemoteExecution error unless
	// cmd.Tolerant is set, in which case the Result carries the exit code.
	// Transport failures are returned as errors regardless of Tolerant.
	Execute(ctx context.Context, cmd Command) (*Result, error)
}

// Transferer places artifacts on the target host.
type Transferer interface {
	// Upload writes the artifact to its destination with the requested mode.
	Upload(ctx context.Context, artifact Artifact) error
}

// Substituter rewrites tokens inside remote files.
type Substituter interface {
	// Substitute replaces every occurrence of token in path with value.
	Substitute(ctx context.Context, path, token, value string, elevated bool) error
}

// Host bundles the collaborators the core consumes.
type Host interface {
	Executor
	Transferer
	Substituter
}

// RunInfo identifies a run to observers.
type RunInfo struct {
	ID     string
	Plan   string
	Target string
	Steps  []string
}

// Observer receives run lifecycle callbacks from the Sequencer. Callbacks
// are invoked synchronously on the sequencer goroutine.
type Observer interface {
	RunStarted(ctx context.Context, run RunInfo)
	StepStarted(ctx context.Context, run RunInfo, step string)
	StepFinished(ctx context.Context, run RunInfo, result StepResult)
	RunFinished(ctx context.Context, outcome *Outcome)
}

// NopObserver implements Observer with no-ops; embed it to override a subset.
type NopObserver struct{}

func (NopObserver) RunStarted(context.Context, RunInfo) {}
func (NopObserver) StepStarted(context.Context, RunInfo, string) {}
func (NopObserver) StepFinished(context.Context, RunInfo, StepResult) {}
func (NopObserver) RunFinished(context.Context, *Outcome) {}

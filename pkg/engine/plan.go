package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// StepFunc performs one step. It records the mutations it made and any
// tolerated problems on the report.
type StepFunc func(ctx context.Context, report *Report) error

// Step is a named unit of a plan.
type Step struct {
	// Name is the stable identifier printed when the step fails.
	Name string

	// BestEffort demotes a failure of this step from fatal to tolerated.
	BestEffort bool

	// Run performs the step.
	Run StepFunc
}

// Plan is an ordered, immutable list of steps. The order encodes the
// dependencies between steps; nothing is reordered or inferred.
type Plan struct {
	name   string
	target string
	steps  []Step
}

// NewPlan creates a plan from the given steps. Step names must be unique
// and non-empty.
func NewPlan(name string, steps ...Step) (*Plan, error) {
	if name == "" {
		return nil, fmt.Errorf("plan name is required")
	}
	seen := make(map[string]bool, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return nil, fmt.Errorf("step %d of plan %s has no name", i, name)
		}
		if seen[step.Name] {
			return nil, fmt.Errorf("duplicate step %q in plan %s", step.Name, name)
		}
		if step.Run == nil {
			return nil, fmt.Errorf("step %q of plan %s has no action", step.Name, name)
		}
		seen[step.Name] = true
	}

	return &Plan{
		name:  name,
		steps: append([]Step(nil), steps...),
	}, nil
}

// MustPlan is NewPlan for statically known step lists.
func MustPlan(name string, steps ...Step) *Plan {
	p, err := NewPlan(name, steps...)
	if err != nil {
		panic(err)
	}
	return p
}

// WithTarget returns a copy of the plan labelled with the host it runs against.
func (p *Plan) WithTarget(target string) *Plan {
	cp := *p
	cp.target = target
	return &cp
}

// Name returns the plan name.
func (p *Plan) Name() string { return p.name }

// Target returns the host label, if any.
func (p *Plan) Target() string { return p.target }

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.steps) }

// Steps returns a copy of the steps in execution order.
func (p *Plan) Steps() []Step {
	return append([]Step(nil), p.steps...)
}

// StepNames returns the step names in execution order.
func (p *Plan) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

// Report collects what a step did.
type Report struct {
	mu       sync.Mutex
	changes  []Change
	warnings []string
}

// Changed records a mutation.
func (r *Report) Changed(resource, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, Change{Resource: resource, Action: action})
}

// Warn records a tolerated problem, such as a guard that refused a removal.
func (r *Report) Warn(err error) {
	if err == nil {
		return
	}
	log.Warn().Err(err).Msg("tolerated failure")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, err.Error())
}

// Changes returns the recorded mutations.
func (r *Report) Changes() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

// Warnings returns the recorded warnings.
func (r *Report) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

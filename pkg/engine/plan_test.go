package engine

import (
	"context"
	"errors"
	"testing"
)

func noop(context.Context, *Report) error { return nil }

func TestNewPlan_Validation(t *testing.T) {
	tests := []struct {
		name    string
		plan    string
		steps   []Step
		wantErr bool
	}{
		{
			name:  "valid",
			plan:  "install",
			steps: []Step{{Name: "a", Run: noop}, {Name: "b", Run: noop}},
		},
		{
			name:    "missing plan name",
			steps:   []Step{{Name: "a", Run: noop}},
			wantErr: true,
		},
		{
			name:    "unnamed step",
			plan:    "install",
			steps:   []Step{{Run: noop}},
			wantErr: true,
		},
		{
			name:    "duplicate step",
			plan:    "install",
			steps:   []Step{{Name: "a", Run: noop}, {Name: "a", Run: noop}},
			wantErr: true,
		},
		{
			name:    "step without action",
			plan:    "install",
			steps:   []Step{{Name: "a"}},
			wantErr: true,
		},
		{
			name: "empty plan",
			plan: "nothing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlan(tt.plan, tt.steps...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPlan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlan_Immutable(t *testing.T) {
	steps := []Step{{Name: "a", Run: noop}, {Name: "b", Run: noop}}
	plan := MustPlan("install", steps...)

	steps[0].Name = "mutated"
	if plan.StepNames()[0] != "a" {
		t.Error("Expected plan to be unaffected by mutation of its input")
	}

	out := plan.Steps()
	out[1].Name = "mutated"
	if plan.StepNames()[1] != "b" {
		t.Error("Expected plan to be unaffected by mutation of Steps()")
	}

	targeted := plan.WithTarget("web01")
	if plan.Target() != "" {
		t.Errorf("Expected original plan target to stay empty, got %q", plan.Target())
	}
	if targeted.Target() != "web01" || targeted.Len() != 2 {
		t.Errorf("Unexpected targeted plan: target=%q len=%d", targeted.Target(), targeted.Len())
	}
}

func TestMustPlan_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected MustPlan to panic on an invalid plan")
		}
	}()
	MustPlan("")
}

func TestReport(t *testing.T) {
	r := &Report{}
	r.Changed("directory:/var/www", "created")
	r.Warn(nil)
	r.Warn(errors.New("substitution failed"))

	if got := r.Changes(); len(got) != 1 || got[0].String() != "directory:/var/www created" {
		t.Errorf("Unexpected changes: %v", got)
	}
	if got := r.Warnings(); len(got) != 1 || got[0] != "substitution failed" {
		t.Errorf("Unexpected warnings: %v", got)
	}
}

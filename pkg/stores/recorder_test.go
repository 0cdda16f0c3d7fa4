package stores

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

func TestRecorder_FailedRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	plan := engine.MustPlan("install",
		engine.Step{Name: "detect", Run: func(ctx context.Context, r *engine.Report) error {
			return nil
		}},
		engine.Step{Name: "build-dependencies", BestEffort: true, Run: func(ctx context.Context, r *engine.Report) error {
			r.Changed("package python-dev", "installed")
			return errors.New("libevent-dev unavailable")
		}},
		engine.Step{Name: "identity", Run: func(ctx context.Context, r *engine.Report) error {
			return engine.NewRemoteExecutionError("useradd django", 9, "useradd: user 'django' already exists")
		}},
		engine.Step{Name: "source-checkout", Run: func(ctx context.Context, r *engine.Report) error {
			t.Fatal("step after a fatal failure must not run")
			return nil
		}},
	).WithTarget("web1.example.org")

	outcome := engine.NewSequencer(NewRecorder(store)).Execute(ctx, plan)
	require.True(t, outcome.Failed())

	run, err := store.GetRun(ctx, outcome.RunID)
	require.NoError(t, err)
	assert.Equal(t, "install", run.Plan)
	assert.Equal(t, "web1.example.org", run.Target)
	assert.Equal(t, engine.RunStatusFailed, run.Status)
	assert.Equal(t, plan.StepNames(), run.Steps)
	assert.Equal(t, 1, run.Changes)
	require.NotNil(t, run.FailedStep)
	assert.Equal(t, "identity", *run.FailedStep)
	require.NotNil(t, run.Error)
	require.NotNil(t, run.Diagnostic)
	assert.Equal(t, "useradd: user 'django' already exists", *run.Diagnostic)
	require.NotNil(t, run.FinishedAt)

	steps, err := store.ListSteps(ctx, outcome.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 4)

	var statuses []engine.StepStatus
	for _, s := range steps {
		statuses = append(statuses, s.Status)
	}
	assert.Equal(t, []engine.StepStatus{
		engine.StepStatusSucceeded,
		engine.StepStatusTolerated,
		engine.StepStatusFailed,
		engine.StepStatusSkipped,
	}, statuses)
	assert.Equal(t, "source-checkout", steps[3].Name)
	assert.Nil(t, steps[3].StartedAt)
}

func TestRecorder_CancelledContextStillRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	plan := engine.MustPlan("uninstall",
		engine.Step{Name: "detect", Run: func(ctx context.Context, r *engine.Report) error {
			cancel()
			return nil
		}},
		engine.Step{Name: "remove-service", Run: func(ctx context.Context, r *engine.Report) error {
			return nil
		}},
	)

	outcome := engine.NewSequencer(NewRecorder(store)).Execute(ctx, plan)
	require.Equal(t, engine.RunStatusCancelled, outcome.Status)

	run, err := store.GetRun(context.Background(), outcome.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCancelled, run.Status)

	steps, err := store.ListSteps(context.Background(), outcome.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, engine.StepStatusSkipped, steps[1].Status)
}

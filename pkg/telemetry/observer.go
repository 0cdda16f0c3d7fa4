package telemetry

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

// Observer turns sequencer callbacks into spans, metrics and log lines.
type Observer struct {
	tracer  *Tracer
	metrics *Metrics
	logger  *Logger

	mu   sync.Mutex
	runs map[string]runSpans

	// active is the context of the step span currently open, used to parent
	// remote command spans. Runs are sequential, so there is at most one.
	active context.Context
}

type runSpans struct {
	ctx  context.Context
	run  trace.Span
	step trace.Span
}

// NewObserver creates an observer. Any of the collaborators may be nil.
func NewObserver(tracer *Tracer, metrics *Metrics, logger *Logger) *Observer {
	if tracer == nil {
		tracer, _ = NewTracer(TracingConfig{}, "djangoprov", "")
	}
	if metrics == nil {
		metrics, _ = NewMetrics(MetricsConfig{})
	}
	return &Observer{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
		runs:    make(map[string]runSpans),
	}
}

// RunStarted opens the run span.
func (o *Observer) RunStarted(ctx context.Context, run engine.RunInfo) {
	ctx, span := o.tracer.StartRunSpan(ctx, run.ID, run.Plan, run.Target)

	o.mu.Lock()
	o.runs[run.ID] = runSpans{ctx: ctx, run: span}
	o.mu.Unlock()

	o.metrics.RecordRunStarted(run.Plan)
	if o.logger != nil {
		o.logger.WithRunID(run.ID).Debug("telemetry attached to run " + run.Plan)
	}
}

// StepStarted opens a step span under the run span.
func (o *Observer) StepStarted(_ context.Context, run engine.RunInfo, step string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	spans, ok := o.runs[run.ID]
	if !ok {
		return
	}
	o.active, spans.step = o.tracer.StartStepSpan(spans.ctx, run.ID, step, false)
	o.runs[run.ID] = spans
}

// StepFinished closes the step span and records step metrics.
func (o *Observer) StepFinished(_ context.Context, run engine.RunInfo, result engine.StepResult) {
	o.metrics.RecordStep(result.Name, string(result.Status), result.Duration, len(result.Changes), len(result.Warnings))
	if result.Err != nil {
		o.metrics.RecordError(ErrorKind(result.Err))
	}

	o.mu.Lock()
	spans, ok := o.runs[run.ID]
	span := spans.step
	if ok {
		spans.step = nil
		o.runs[run.ID] = spans
	}
	o.active = nil
	o.mu.Unlock()
	if span == nil {
		return
	}

	span.SetAttributes(
		AttrStepStatus.String(string(result.Status)),
		AttrBestEffort.Bool(result.BestEffort),
		AttrChanges.Int(len(result.Changes)),
	)
	for _, w := range result.Warnings {
		span.AddEvent("warning", trace.WithAttributes(attrMessage.String(w)))
	}
	if result.Err != nil {
		span.SetAttributes(AttrErrorKind.String(ErrorKind(result.Err)))
		RecordError(span, result.Err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// RunFinished closes the run span and records the run outcome.
func (o *Observer) RunFinished(_ context.Context, outcome *engine.Outcome) {
	o.metrics.RecordRunCompleted(outcome.Plan, string(outcome.Status), outcome.Duration())

	o.mu.Lock()
	spans, ok := o.runs[outcome.RunID]
	delete(o.runs, outcome.RunID)
	o.mu.Unlock()
	if !ok {
		return
	}

	spans.run.SetAttributes(AttrRunStatus.String(string(outcome.Status)))
	if outcome.Err != nil {
		RecordError(spans.run, outcome.Err)
	} else {
		RecordSuccess(spans.run)
	}
	spans.run.End()
}

// spanParent returns the open step span context, or ctx when no step is
// running.
func (o *Observer) spanParent(ctx context.Context) context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ctx
	}
	return trace.ContextWithSpan(ctx, trace.SpanFromContext(o.active))
}

// ErrorKind classifies err for labels: the engine error kind when there is
// one, "cancelled" for context errors and "other" otherwise.
func ErrorKind(err error) string {
	var e *engine.EngineError
	switch {
	case errors.As(err, &e):
		return string(e.Kind)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}

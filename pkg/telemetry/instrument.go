package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

// instrumentedHost decorates an engine.Host with per-command spans and
// metrics.
type instrumentedHost struct {
	host     engine.Host
	observer *Observer
}

// InstrumentHost wraps host so every remote command, upload and
// substitution is counted and traced under the step that issued it.
func InstrumentHost(host engine.Host, observer *Observer) engine.Host {
	if observer == nil {
		return host
	}
	return &instrumentedHost{host: host, observer: observer}
}

func (h *instrumentedHost) Execute(ctx context.Context, cmd engine.Command) (*engine.Result, error) {
	_, span := h.observer.tracer.Start(h.observer.spanParent(ctx), "exec "+cmd.Program(), trace.WithAttributes(
		AttrCommand.String(cmd.Program()),
		AttrRunAs.String(cmd.As.String()),
	))
	defer span.End()

	start := time.Now()
	res, err := h.host.Execute(ctx, cmd)
	duration := time.Since(start)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		RecordError(span, err)
	case !res.Success():
		outcome = "exit"
	}
	if res != nil {
		span.SetAttributes(AttrExitCode.Int(res.ExitCode))
	}
	h.observer.metrics.RecordRemoteCommand(cmd.Program(), outcome, duration)

	log.Trace().
		Str("command", cmd.String()).
		Str("outcome", outcome).
		Dur("duration", duration).
		Msg("remote command")

	return res, err
}

func (h *instrumentedHost) Upload(ctx context.Context, artifact engine.Artifact) error {
	_, span := h.observer.tracer.Start(h.observer.spanParent(ctx), "upload "+artifact.Name)
	defer span.End()

	err := h.host.Upload(ctx, artifact)
	RecordError(span, err)
	h.observer.metrics.RecordUpload("upload", err)
	return err
}

func (h *instrumentedHost) Substitute(ctx context.Context, path, token, value string, elevated bool) error {
	_, span := h.observer.tracer.Start(h.observer.spanParent(ctx), "substitute "+token)
	defer span.End()

	err := h.host.Substitute(ctx, path, token, value, elevated)
	RecordError(span, err)
	h.observer.metrics.RecordUpload("substitute", err)
	return err
}

// Package telemetry provides logging, tracing and metrics for provisioning
// runs.
//
// Logging is zerolog, configured from the telemetry.logging section.
// Tracing is OpenTelemetry with a stdout or OTLP/gRPC exporter: every run
// gets a root span, every step a child span and every remote command,
// upload and substitution a span under the step that issued it. Metrics
// are Prometheus collectors in a private registry; because a run lasts
// seconds and is never scraped, they are written to a node_exporter
// textfile when the run finishes.
//
// Wire it up by adding the Observer to the sequencer and wrapping the
// host:
//
//	tel, err := telemetry.New(telemetryConfig)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	host = telemetry.InstrumentHost(host, tel.Observer())
//	installer, err := provision.NewInstaller(host, cfg,
//		provision.WithObserver(tel.Observer()))
//
// Metrics exposed, with the default djangoprov namespace:
//
//   - djangoprov_runs_started_total{plan}
//   - djangoprov_runs_completed_total{plan,status}
//   - djangoprov_run_duration_seconds{plan,status}
//   - djangoprov_last_run_timestamp_seconds{plan,status}
//   - djangoprov_steps_executed_total{step,status}
//   - djangoprov_step_duration_seconds{step}
//   - djangoprov_changes_total{step}
//   - djangoprov_warnings_total{step}
//   - djangoprov_remote_commands_total{program,outcome}
//   - djangoprov_remote_command_duration_seconds{program}
//   - djangoprov_uploads_total{kind,outcome}
//   - djangoprov_errors_total{kind}
//   - djangoprov_active_runs
package telemetry

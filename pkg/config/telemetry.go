package config

import "github.com/dwurf/django-gunicorn-nginx/pkg/telemetry"

// TelemetryConfig converts the telemetry section for telemetry.New.
func (c Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}

	s := c.Telemetry
	tc.Logging.Level = s.Logging.Level
	tc.Logging.Format = s.Logging.Format
	tc.Logging.Output = s.Logging.Output
	tc.Logging.EnableCaller = s.Logging.Caller

	tc.Metrics.Enabled = s.Metrics.Enabled
	tc.Metrics.Textfile = s.Metrics.Textfile
	if s.Metrics.Namespace != "" {
		tc.Metrics.Namespace = s.Metrics.Namespace
	}

	tc.Tracing.Enabled = s.Tracing.Enabled
	tc.Tracing.Exporter = s.Tracing.Exporter
	tc.Tracing.Endpoint = s.Tracing.Endpoint
	tc.Tracing.Insecure = s.Tracing.Insecure
	tc.Tracing.SamplingRate = s.Tracing.SamplingRate

	return tc
}

package config

import "time"

// Default returns the configuration used when a key is absent from the file.
// The deployment values describe the reference django-chinook application.
func Default() Config {
	return Config{
		Target: Target{
			Port:           22,
			AuthMethod:     "key",
			ProxyPort:      22,
			ConnectTimeout: Duration(30 * time.Second),
		},
		Deployment: Deployment{
			User:                 "django",
			Group:                "django",
			DocumentRoot:         "/var/www/django",
			RepoDir:              "/var/repo/django-chinook",
			RepoRoot:             "/",
			RequirementsFile:     "local-requirements.txt",
			VirtualenvDir:        "/var/venv/django",
			RepoURL:              "https://bitbucket.org/xeoscript/django-chinook.git",
			VCS:                  "git",
			Interpreter:          "python2.7",
			Packages:             []string{"python-dev", "build-essential"},
			ServerName:           "example.com",
			ProxyURL:             "http://localhost:8000",
			LogDir:               "/var/log/gunicorn",
			ServiceName:          "gunicorn",
			UpgradeSystem:        false,
			PerformanceExtension: true,
		},
		CommandTimeout: Duration(5 * time.Minute),
		Verify: VerifySection{
			Timeout: Duration(30 * time.Second),
		},
		History: HistorySection{
			Enabled: true,
			Path:    ".djangoprov/history.db",
		},
		Telemetry: TelemetrySection{
			Logging: LoggingSection{
				Level:  "info",
				Format: "console",
				Output: "stderr",
			},
			Metrics: MetricsSection{
				Namespace: "djangoprov",
			},
			Tracing: TracingSection{
				Exporter:     "stdout",
				SamplingRate: 1.0,
			},
		},
	}
}

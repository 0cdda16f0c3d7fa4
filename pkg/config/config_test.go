package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	d := cfg.Deployment
	assert.Equal(t, "django", d.User)
	assert.Equal(t, "/var/www/django", d.DocumentRoot)
	assert.Equal(t, "/var/repo/django-chinook", d.RepoDir)
	assert.Equal(t, "/var/venv/django", d.VirtualenvDir)
	assert.Equal(t, []string{"python-dev", "build-essential"}, d.Packages)
	assert.Equal(t, 5*time.Minute, cfg.Timeout())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Deployment, cfg.Deployment)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "deploy.yaml", `
target:
  host: web1.example.org
  user: deploy
deployment:
  user: shop
  group: www
  repo_url: https://example.org/shop.git
  vcs: hg
  packages: [libpq-dev]
  upgrade_system: true
command_timeout: 90s
platform:
  distributions:
    linuxmint: apt
service:
  manager: systemd
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "web1.example.org", cfg.Target.Host)
	assert.Equal(t, 22, cfg.Target.Port, "unset keys keep their defaults")
	assert.Equal(t, "shop", cfg.Deployment.User)
	assert.Equal(t, "www", cfg.Deployment.Group)
	assert.Equal(t, "hg", cfg.Deployment.VCS)
	assert.Equal(t, []string{"libpq-dev"}, cfg.Deployment.Packages)
	assert.True(t, cfg.Deployment.UpgradeSystem)
	assert.Equal(t, "/var/venv/django", cfg.Deployment.VirtualenvDir)
	assert.Equal(t, 90*time.Second, cfg.Timeout())
	assert.Equal(t, map[string]platform.Kind{"linuxmint": platform.KindApt}, cfg.Distributions())

	manager, ok := cfg.ServiceManager()
	assert.True(t, ok)
	assert.Equal(t, platform.ServiceManagerSystemd, manager)
}

func TestLoad_CUE(t *testing.T) {
	path := writeConfig(t, "deploy.cue", `
_app: "chinook"

deployment: {
	repo_dir:       "/srv/\(_app)"
	virtualenv_dir: "/srv/venv/\(_app)"
}
command_timeout: "2m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/chinook", cfg.Deployment.RepoDir)
	assert.Equal(t, "/srv/venv/chinook", cfg.Deployment.VirtualenvDir)
	assert.Equal(t, 2*time.Minute, cfg.Timeout())
}

func TestLoad_JSONIsReadAsCUE(t *testing.T) {
	path := writeConfig(t, "deploy.json", `{"deployment": {"server_name": "shop.example.org"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "shop.example.org", cfg.Deployment.ServerName)
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown yaml key", "a.yaml", "deployment:\n  usr: django\n", "usr"},
		{"bad vcs in yaml", "b.yaml", "deployment:\n  vcs: svn\n", "vcs"},
		{"relative path in cue", "c.cue", `deployment: repo_dir: "srv/app"`, "repo_dir"},
		{"unknown distribution kind", "d.yaml", "platform:\n  distributions:\n    arch: pacman\n", "arch"},
		{"bad duration", "e.cue", `command_timeout: "soon"`, "command_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_CUEErrorsCarryPositions(t *testing.T) {
	path := writeConfig(t, "deploy.cue", "deployment: {\n\tvcs: \"svn\"\n}\n")

	_, err := Load(path)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.NotEmpty(t, verrs)
	assert.Equal(t, path, verrs[0].File)
	assert.Equal(t, 2, verrs[0].Line)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	_, err := Load(writeConfig(t, "deploy.toml", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file extension")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"root path", func(c *Config) { c.Deployment.DocumentRoot = "/" }, "deployment.document_root must be a clean absolute path"},
		{"unclean path", func(c *Config) { c.Deployment.LogDir = "/var/log/../log" }, "deployment.log_dir"},
		{"bad user name", func(c *Config) { c.Deployment.User = "Django" }, "deployment.user must be a valid user or group name"},
		{"missing repo url", func(c *Config) { c.Deployment.RepoURL = "" }, "deployment.repo_url is required"},
		{"bad proxy url", func(c *Config) { c.Deployment.ProxyURL = "localhost" }, "deployment.proxy_url must be a URL"},
		{"zero timeout", func(c *Config) { c.CommandTimeout = 0 }, "command_timeout must be greater than 0"},
		{"bad manager", func(c *Config) { c.Service.Manager = "runit" }, "service.manager must be one of"},
		{"history without path", func(c *Config) { c.History.Path = "" }, "history.path is required"},
		{"duplicate paths", func(c *Config) { c.Deployment.VirtualenvDir = c.Deployment.RepoDir }, "must differ"},
		{"absolute requirements", func(c *Config) { c.Deployment.RequirementsFile = "/tmp/req.txt" }, "requirements_file"},
		{"escaping repo root", func(c *Config) { c.Deployment.RepoRoot = "../../etc" }, "repo_root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"90s", 90 * time.Second, true},
		{"1h30m", 90 * time.Minute, true},
		{"45", 45 * time.Second, true},
		{"", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got.Std())
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Deployment.User = "shop"

	out, err := Marshal(cfg)
	require.NoError(t, err)

	back, err := Parse(out, "out.yaml", FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestTelemetryConfig(t *testing.T) {
	cfg := Default()
	tc := cfg.TelemetryConfig("1.2.3")
	require.NoError(t, tc.Validate())
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
	assert.Equal(t, "stderr", tc.Logging.Output)
	assert.Equal(t, "djangoprov", tc.Metrics.Namespace)
	assert.False(t, tc.Tracing.Enabled)

	cfg.Telemetry.Metrics.Enabled = true
	cfg.Telemetry.Metrics.Textfile = "/var/lib/node_exporter/djangoprov.prom"
	cfg.Telemetry.Tracing.Enabled = true
	cfg.Telemetry.Tracing.Exporter = "otlp"
	cfg.Telemetry.Tracing.Endpoint = "collector:4317"
	tc = cfg.TelemetryConfig("")
	require.NoError(t, tc.Validate())
	assert.Equal(t, "dev", tc.ServiceVersion)
	assert.Equal(t, "/var/lib/node_exporter/djangoprov.prom", tc.Metrics.Textfile)
	assert.Equal(t, "collector:4317", tc.Tracing.Endpoint)
}

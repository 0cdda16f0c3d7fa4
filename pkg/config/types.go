package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
)

// Config is the complete configuration of one deployment.
type Config struct {
	// Target is the SSH endpoint of the managed host.
	Target Target `yaml:"target" json:"target"`

	// Deployment describes the application layout on the host.
	Deployment Deployment `yaml:"deployment" json:"deployment"`

	// CommandTimeout bounds every remote command that does not set its own.
	CommandTimeout Duration `yaml:"command_timeout" json:"command_timeout" validate:"gt=0"`

	Platform  PlatformSection  `yaml:"platform" json:"platform"`
	Service   ServiceSection   `yaml:"service" json:"service"`
	Verify    VerifySection    `yaml:"verify" json:"verify"`
	Policy    PolicySection    `yaml:"policy" json:"policy"`
	History   HistorySection   `yaml:"history" json:"history"`
	Telemetry TelemetrySection `yaml:"telemetry" json:"telemetry"`
}

// Target holds the SSH connection settings. Command-line flags override it.
type Target struct {
	Host string `yaml:"host" json:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	User string `yaml:"user" json:"user"`

	// AuthMethod is one of key, password or agent.
	AuthMethod string `yaml:"auth_method" json:"auth_method" validate:"oneof=key password agent"`
	KeyPath    string `yaml:"key_path" json:"key_path"`

	KnownHosts            string `yaml:"known_hosts" json:"known_hosts"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key"`

	// ProxyHost is an optional jump host.
	ProxyHost string `yaml:"proxy_host" json:"proxy_host"`
	ProxyPort int    `yaml:"proxy_port" json:"proxy_port" validate:"omitempty,min=1,max=65535"`
	ProxyUser string `yaml:"proxy_user" json:"proxy_user"`

	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gt=0"`
}

// Deployment describes the provisioned application. Both the installer and
// the uninstaller derive their layout from the same value.
type Deployment struct {
	User  string `yaml:"user" json:"user" validate:"required,unixname"`
	Group string `yaml:"group" json:"group" validate:"required,unixname"`

	// DocumentRoot is the symlink served by the proxy.
	DocumentRoot string `yaml:"document_root" json:"document_root" validate:"required,abspath"`

	// RepoDir is where the source checkout lives.
	RepoDir string `yaml:"repo_dir" json:"repo_dir" validate:"required,abspath"`

	// RepoRoot is the directory inside the checkout that the document root
	// points at. "/" means the checkout itself.
	RepoRoot string `yaml:"repo_root" json:"repo_root" validate:"required"`

	// RequirementsFile is relative to RepoDir.
	RequirementsFile string `yaml:"requirements_file" json:"requirements_file" validate:"required"`

	VirtualenvDir string   `yaml:"virtualenv_dir" json:"virtualenv_dir" validate:"required,abspath"`
	RepoURL       string   `yaml:"repo_url" json:"repo_url" validate:"required"`
	VCS           string   `yaml:"vcs" json:"vcs" validate:"required,oneof=git hg"`
	Interpreter   string   `yaml:"interpreter" json:"interpreter" validate:"required"`
	Packages      []string `yaml:"packages" json:"packages" validate:"dive,required"`

	ServerName string `yaml:"server_name" json:"server_name" validate:"required,hostname_rfc1123"`
	ProxyURL   string `yaml:"proxy_url" json:"proxy_url" validate:"required,url"`

	LogDir      string `yaml:"log_dir" json:"log_dir" validate:"required,abspath"`
	ServiceName string `yaml:"service_name" json:"service_name" validate:"required,unixname"`

	UpgradeSystem        bool `yaml:"upgrade_system" json:"upgrade_system"`
	PerformanceExtension bool `yaml:"performance_extension" json:"performance_extension"`
}

// PlatformSection registers distributions beyond the built-in table.
type PlatformSection struct {
	// Distributions maps a distribution identifier to apt or yum.
	Distributions map[string]string `yaml:"distributions,omitempty" json:"distributions,omitempty" validate:"dive,keys,required,endkeys,oneof=apt yum"`
}

// ServiceSection selects the service manager. Empty means the platform default.
type ServiceSection struct {
	Manager string `yaml:"manager" json:"manager" validate:"omitempty,oneof=upstart systemd"`
}

// VerifySection configures the post-install verification script.
type VerifySection struct {
	Script  string   `yaml:"script" json:"script"`
	Timeout Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// PolicySection configures the pre-flight policy check.
type PolicySection struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Dir holds additional .rego modules evaluated alongside the built-ins.
	Dir string `yaml:"dir" json:"dir"`
}

// HistorySection configures the run history database.
type HistorySection struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" validate:"required_if=Enabled true"`
}

// TelemetrySection configures logging, metrics and tracing.
type TelemetrySection struct {
	Logging LoggingSection `yaml:"logging" json:"logging"`
	Metrics MetricsSection `yaml:"metrics" json:"metrics"`
	Tracing TracingSection `yaml:"tracing" json:"tracing"`
}

// LoggingSection mirrors telemetry.LoggingConfig.
type LoggingSection struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`
	Output string `yaml:"output" json:"output" validate:"required"`
	Caller bool   `yaml:"caller" json:"caller"`
}

// MetricsSection configures the Prometheus textfile export.
type MetricsSection struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Textfile  string `yaml:"textfile" json:"textfile" validate:"required_if=Enabled true"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingSection configures OpenTelemetry tracing.
type TracingSection struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter" validate:"oneof=stdout otlp none"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
}

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts a duration string or a plain number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// MarshalJSON writes the duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		return Duration(parsed), nil
	}
	// bare numbers are seconds
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(time.Duration(secs * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

// Timeout returns the default per-command timeout.
func (c Config) Timeout() time.Duration {
	return c.CommandTimeout.Std()
}

// Distributions returns the configured extra distribution mappings as
// platform kinds. Values are validated on load.
func (c Config) Distributions() map[string]platform.Kind {
	if len(c.Platform.Distributions) == 0 {
		return nil
	}
	out := make(map[string]platform.Kind, len(c.Platform.Distributions))
	for distro, kind := range c.Platform.Distributions {
		out[distro] = platform.Kind(kind)
	}
	return out
}

// ServiceManager returns the configured manager override, or false when the
// platform default applies.
func (c Config) ServiceManager() (platform.ServiceManager, bool) {
	if c.Service.Manager == "" {
		return "", false
	}
	return platform.ServiceManager(c.Service.Manager), true
}

package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func deploymentFacts() map[string]interface{} {
	return map[string]interface{}{
		"user":          "django",
		"group":         "django",
		"document_root": "/var/www/django",
		"server_name":   "app.example.org",
		"service_name":  "gunicorn",
		"managed_paths": []interface{}{
			"/var/www/django",
			"/var/repo/django-chinook",
			"/var/venv/django",
			"/var/log/gunicorn",
		},
	}
}

func TestNewEngine_Builtins(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"identity", "overlap", "paths", "placeholder", "service"}, names)

	p, err := eng.GetPolicy("identity")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, p.Severity)

	_, err = eng.GetPolicy("missing")
	assert.Error(t, err)
}

func TestEvaluate_DefaultDeploymentAllowed(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), "install", deploymentFacts())
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Violations)
	assert.Empty(t, result.Warnings)
	assert.Len(t, result.EvaluatedPolicies, 5)
}

func TestEvaluate_Violations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]interface{})
		policy  string
		message string
	}{
		{
			name:    "root user",
			mutate:  func(f map[string]interface{}) { f["user"] = "root" },
			policy:  "identity",
			message: "deployment user must not be root",
		},
		{
			name:    "root group",
			mutate:  func(f map[string]interface{}) { f["group"] = "root" },
			policy:  "identity",
			message: "deployment group must not be root",
		},
		{
			name: "protected path",
			mutate: func(f map[string]interface{}) {
				f["managed_paths"] = []interface{}{"/var/www/", "/srv/app", "/var/venv/app", "/var/log/app"}
			},
			policy:  "paths",
			message: "/var/www/ is a protected system directory",
		},
		{
			name: "relative path",
			mutate: func(f map[string]interface{}) {
				f["managed_paths"] = []interface{}{"www", "/srv/app", "/var/venv/app", "/var/log/app"}
			},
			policy:  "paths",
			message: "www is not an absolute path",
		},
		{
			name: "nested paths",
			mutate: func(f map[string]interface{}) {
				f["managed_paths"] = []interface{}{"/srv/app/www", "/srv/app", "/var/venv/app", "/var/log/app"}
			},
			policy:  "overlap",
			message: "/srv/app/www is nested inside /srv/app",
		},
		{
			name: "duplicate paths",
			mutate: func(f map[string]interface{}) {
				f["managed_paths"] = []interface{}{"/srv/app", "/srv/app/", "/var/venv/app", "/var/log/app"}
			},
			policy:  "overlap",
			message: "/srv/app is managed twice",
		},
		{
			name:    "system service",
			mutate:  func(f map[string]interface{}) { f["service_name"] = "sshd" },
			policy:  "service",
			message: "service_name sshd is a system service",
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := deploymentFacts()
			tt.mutate(facts)

			result, err := eng.Evaluate(context.Background(), "uninstall", facts)
			require.NoError(t, err)
			assert.False(t, result.Allowed)

			var found bool
			for _, v := range result.Violations {
				if v.Policy == tt.policy && v.Message == tt.message {
					found = true
				}
			}
			assert.True(t, found, "expected %s violation %q in %+v", tt.policy, tt.message, result.Violations)
		})
	}
}

func TestEvaluate_PlaceholderIsAWarning(t *testing.T) {
	eng := newTestEngine(t)
	facts := deploymentFacts()
	facts["server_name"] = "example.com"

	result, err := eng.Evaluate(context.Background(), "install", facts)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "placeholder", result.Warnings[0].Policy)
	assert.Equal(t, SeverityWarning, result.Warnings[0].Severity)

	// uninstall does not care about the site name
	result, err = eng.Evaluate(context.Background(), "uninstall", facts)
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)
}

func TestCheck_ReturnsGuardViolation(t *testing.T) {
	eng := newTestEngine(t)
	facts := deploymentFacts()
	facts["user"] = "root"

	err := eng.Check(context.Background(), "install", facts)
	require.Error(t, err)
	assert.True(t, engine.IsGuardViolation(err))
	assert.Contains(t, err.Error(), "identity: deployment user must not be root")

	assert.NoError(t, eng.Check(context.Background(), "install", deploymentFacts()))
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	facts := deploymentFacts()
	facts["service_name"] = "nginx"

	require.NoError(t, eng.DisablePolicy("service"))
	assert.NoError(t, eng.Check(context.Background(), "install", facts))

	require.NoError(t, eng.EnablePolicy("service"))
	assert.Error(t, eng.Check(context.Background(), "install", facts))

	assert.Error(t, eng.DisablePolicy("missing"))
}

func TestAddPolicy_CustomSeverity(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddPolicy(context.Background(), Policy{
		Name:     "freeze",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package site.freeze

import rego.v1

deny contains "no uninstall during the freeze" if input.plan == "uninstall"

deny contains violation if {
	input.plan == "uninstall"
	violation := {"message": "production is frozen", "severity": "critical"}
}
`,
	})
	require.NoError(t, err)

	result, err := eng.Evaluate(context.Background(), "uninstall", deploymentFacts())
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "production is frozen", result.Violations[0].Message)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "no uninstall during the freeze", result.Warnings[0].Message)
}

func TestAddPolicy_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package broken\n\ndeny contains"})
	assert.Error(t, err)
}

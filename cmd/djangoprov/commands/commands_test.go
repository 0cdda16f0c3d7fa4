package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwurf/django-gunicorn-nginx/pkg/config"
	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/provision"
	"github.com/dwurf/django-gunicorn-nginx/pkg/stores"
)

// execute runs the root command with args and captures its output.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestApplyTargetFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags targetFlags
		check func(t *testing.T, tgt config.Target)
	}{
		{
			name:  "no flags keeps the file",
			flags: targetFlags{},
			check: func(t *testing.T, tgt config.Target) {
				assert.Equal(t, "web1.example.org", tgt.Host)
				assert.Equal(t, 22, tgt.Port)
				assert.Equal(t, "key", tgt.AuthMethod)
			},
		},
		{
			name:  "host port and user",
			flags: targetFlags{host: "10.0.0.5", port: 2222, user: "deploy"},
			check: func(t *testing.T, tgt config.Target) {
				assert.Equal(t, "10.0.0.5", tgt.Host)
				assert.Equal(t, 2222, tgt.Port)
				assert.Equal(t, "deploy", tgt.User)
			},
		},
		{
			name:  "ask-pass switches to password auth",
			flags: targetFlags{askPass: true},
			check: func(t *testing.T, tgt config.Target) {
				assert.Equal(t, "password", tgt.AuthMethod)
			},
		},
		{
			name:  "explicit auth wins over ask-pass",
			flags: targetFlags{askPass: true, authMethod: "agent"},
			check: func(t *testing.T, tgt config.Target) {
				assert.Equal(t, "agent", tgt.AuthMethod)
			},
		},
		{
			name:  "jump host",
			flags: targetFlags{proxy: "ops@bastion.example.org:2200", insecure: true},
			check: func(t *testing.T, tgt config.Target) {
				assert.Equal(t, "bastion.example.org", tgt.ProxyHost)
				assert.Equal(t, "ops", tgt.ProxyUser)
				assert.Equal(t, 2200, tgt.ProxyPort)
				assert.True(t, tgt.InsecureIgnoreHostKey)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt := config.Default().Target
			tgt.Host = "web1.example.org"
			require.NoError(t, applyTargetFlags(&tgt, tt.flags))
			tt.check(t, tgt)
		})
	}
}

func TestParseJump(t *testing.T) {
	tests := []struct {
		in      string
		user    string
		host    string
		port    int
		wantErr bool
	}{
		{in: "bastion", host: "bastion"},
		{in: "ops@bastion", user: "ops", host: "bastion"},
		{in: "bastion:2200", host: "bastion", port: 2200},
		{in: "ops@[::1]:22", user: "ops", host: "::1", port: 22},
		{in: "bastion:http", wantErr: true},
		{in: "ops@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			user, host, port, err := parseJump(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, user)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestSSHConfig(t *testing.T) {
	cfg := config.Default()

	_, err := sshConfig(cfg, "", "")
	assert.ErrorContains(t, err, "target host is required")

	cfg.Target.Host = "web1.example.org"
	cfg.Target.User = "deploy"
	cfg.Target.KnownHosts = "/etc/ssh/ssh_known_hosts"
	cfg.Target.ProxyHost = "bastion"

	sc, err := sshConfig(cfg, "", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "web1.example.org:22", sc.Address())
	assert.True(t, sc.StrictHostKeyChecking)
	assert.Equal(t, "/etc/ssh/ssh_known_hosts", sc.KnownHostsPath)
	assert.Equal(t, "s3cret", sc.SudoPassword)
	assert.Equal(t, cfg.Timeout(), sc.CommandTimeout)
	assert.Equal(t, "deploy", sc.ProxyUser, "jump host user defaults to the login user")
	assert.Equal(t, "bastion:22", sc.ProxyAddress())

	cfg.Target.InsecureIgnoreHostKey = true
	sc, err = sshConfig(cfg, "", "")
	require.NoError(t, err)
	assert.False(t, sc.StrictHostKeyChecking)
}

// failedOutcome runs a plan whose second step fails like a remote useradd.
func failedOutcome(t *testing.T) *engine.Outcome {
	t.Helper()
	plan := engine.MustPlan(provision.PlanInstall,
		engine.Step{Name: "detect-platform", Run: func(ctx context.Context, r *engine.Report) error {
			r.Changed("platform", "detect")
			return nil
		}},
		engine.Step{Name: "create-identity", Run: func(ctx context.Context, r *engine.Report) error {
			cause := engine.NewRemoteExecutionError("useradd django", 9, "useradd: group 'django' does not exist\nhint: create it first")
			return engine.NewEnsureFailedError("user django", cause)
		}},
		engine.Step{Name: "checkout-source", Run: func(ctx context.Context, r *engine.Report) error {
			return nil
		}},
	).WithTarget("web1.example.org")

	return engine.NewSequencer().Execute(t.Context(), plan)
}

func TestReportFailure(t *testing.T) {
	outcome := failedOutcome(t)
	require.True(t, outcome.Failed())

	var buf bytes.Buffer
	reportFailure(&buf, outcome)
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, `step "create-identity" failed: `), out)
	assert.Contains(t, out, "remote output:\n  useradd: group 'django' does not exist\n  hint: create it first\n")
}

func TestReportFailureCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	plan := engine.MustPlan(provision.PlanUninstall,
		engine.Step{Name: "detect-platform", Run: func(ctx context.Context, r *engine.Report) error { return nil }},
	)
	outcome := engine.NewSequencer().Execute(ctx, plan)

	var buf bytes.Buffer
	reportFailure(&buf, outcome)
	assert.Contains(t, buf.String(), `uninstall cancelled before step "detect-platform"`)
	assert.NotContains(t, buf.String(), "remote output")
}

func TestPrintOutcome(t *testing.T) {
	outcome := failedOutcome(t)

	var buf bytes.Buffer
	require.NoError(t, printOutcome(&buf, outcome, false))
	out := buf.String()
	assert.Contains(t, out, "succeeded  detect-platform")
	assert.Contains(t, out, "+ platform")
	assert.Contains(t, out, "failed     create-identity")
	assert.Contains(t, out, "skipped    checkout-source\n")
	assert.Contains(t, out, "install failed after 1 change(s)")

	buf.Reset()
	require.NoError(t, printOutcome(&buf, outcome, true))
	var summary outcomeSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &summary))
	assert.Equal(t, "failed", summary.Status)
	assert.Equal(t, "create-identity", summary.FailedStep)
	assert.Equal(t, "web1.example.org", summary.Target)
	assert.Contains(t, summary.Diagnostic, "does not exist")
	require.Len(t, summary.Steps, 3)
	assert.Equal(t, "skipped", summary.Steps[2].Status)
}

func TestPlanCommand(t *testing.T) {
	stdout, _, err := execute(t, "plan", "--json")
	require.NoError(t, err)

	var summary planSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	require.NotEmpty(t, summary.Steps)
	assert.Equal(t, provision.PlanInstall, summary.Plan)
	assert.Equal(t, provision.StepDetectPlatform, summary.Steps[0].Name)
	assert.Equal(t, "verify", summary.Steps[len(summary.Steps)-1].Name)
	assert.Contains(t, summary.ManagedPaths, "/var/www/django")
	assert.Nil(t, summary.Policy)

	var bestEffort []string
	for _, s := range summary.Steps {
		if s.BestEffort {
			bestEffort = append(bestEffort, s.Name)
		}
	}
	assert.Equal(t, []string{"install-performance-extension"}, bestEffort)

	stdout, _, err = execute(t, "plan", "uninstall")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Plan uninstall:")
	assert.Contains(t, stdout, "remove-identity")

	_, _, err = execute(t, "plan", "upgrade")
	assert.ErrorContains(t, err, "unknown plan")
}

func TestPlanCommandPolicy(t *testing.T) {
	path := writeConfig(t, `
deployment:
  user: root
policy:
  enabled: true
`)

	stdout, _, err := execute(t, "plan", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused by policy")
	assert.Contains(t, stdout, "DENY identity: deployment user must not be root")
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, `
target:
  host: web1.example.org
deployment:
  server_name: shop.example.org
  upgrade_system: true
history:
  enabled: false
`)

	stdout, _, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Configuration is valid")

	stdout, _, err = execute(t, "validate", "-c", path, "--print", "--host", "web2.example.org")
	require.NoError(t, err)
	cfg, err := config.Parse([]byte(stdout), "printed.yaml", config.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "web2.example.org", cfg.Target.Host)
	assert.Equal(t, "shop.example.org", cfg.Deployment.ServerName)
	assert.True(t, cfg.Deployment.UpgradeSystem)
	assert.False(t, cfg.History.Enabled)

	bad := writeConfig(t, "deployment:\n  vcs: svn\n")
	_, _, err = execute(t, "validate", "-c", bad)
	assert.Error(t, err)

	missing := writeConfig(t, "verify:\n  script: /nonexistent/verify.star\n")
	_, _, err = execute(t, "validate", "-c", missing)
	assert.ErrorContains(t, err, "verify script")
}

func TestHistoryCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	store, err := openHistory(t.Context(), dbPath)
	require.NoError(t, err)
	outcome := engine.NewSequencer(stores.NewRecorder(store)).Execute(t.Context(),
		engine.MustPlan(provision.PlanInstall,
			engine.Step{Name: "create-identity", Run: func(ctx context.Context, r *engine.Report) error {
				r.Changed("user django", "create")
				return nil
			}},
		).WithTarget("web1.example.org"))
	require.False(t, outcome.Failed())
	require.NoError(t, store.Close())

	path := writeConfig(t, "history:\n  path: "+dbPath+"\n")

	stdout, _, err := execute(t, "history", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, outcome.RunID[:8])
	assert.Contains(t, stdout, "web1.example.org")
	assert.Contains(t, stdout, "succeeded")

	stdout, _, err = execute(t, "history", "-c", path, "--plan", "uninstall")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No runs recorded")

	stdout, _, err = execute(t, "history", "show", outcome.RunID[:8], "-c", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Run:      "+outcome.RunID)
	assert.Contains(t, stdout, "create-identity: + user django")

	stdout, _, err = execute(t, "history", "show", outcome.RunID, "-c", path, "--json")
	require.NoError(t, err)
	var detail struct {
		ID          string              `json:"id"`
		StepRecords []stores.StepRecord `json:"step_records"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &detail))
	assert.Equal(t, outcome.RunID, detail.ID)
	require.Len(t, detail.StepRecords, 1)

	stdout, _, err = execute(t, "history", "prune", "--keep", "0", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Deleted 1 run(s)")

	_, _, err = execute(t, "history", "show", outcome.RunID, "-c", path)
	assert.True(t, errors.Is(err, stores.ErrNotFound), "got %v", err)
}

func TestInstallRequiresHost(t *testing.T) {
	path := writeConfig(t, "history:\n  enabled: false\n")

	_, _, err := execute(t, "install", "-c", path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "target host is required")
	assert.False(t, errors.Is(err, ErrRunFailed))
}

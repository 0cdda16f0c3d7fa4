package resources

import (
	"context"
	"strings"
	"testing"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/fakehost"
	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
)

const repoURL = "https://example.org/app.git"

var django = Identity{User: "django", Group: "django"}

func newHost(opts ...fakehost.Option) *fakehost.Host {
	opts = append([]fakehost.Option{fakehost.WithRepository(repoURL, map[string]string{
		"local-requirements.txt": "Django==1.6\nsouth\n",
		"manage.py":              "#!/usr/bin/env python\n",
	})}, opts...)
	return fakehost.New(opts...)
}

// assertIdempotent runs ensure twice and checks the second run issues no
// mutating command.
func assertIdempotent(t *testing.T, h *fakehost.Host, ensure func() (Result, error)) {
	t.Helper()

	first, err := ensure()
	if err != nil {
		t.Fatalf("First ensure failed: %v", err)
	}
	if !first.Changed {
		t.Errorf("Expected first ensure of %s to change the host", first.Resource)
	}

	h.ResetCalls()
	second, err := ensure()
	if err != nil {
		t.Fatalf("Second ensure failed: %v", err)
	}
	if second.Changed {
		t.Errorf("Expected second ensure of %s to be a no-op, got actions %v", second.Resource, second.Actions)
	}
	if calls := h.MutatingCalls(); len(calls) != 0 {
		t.Errorf("Expected no mutating calls on second ensure, got %v", calls)
	}
}

func TestEnsurer_Idempotence(t *testing.T) {
	ctx := context.Background()
	env := RuntimeEnvironment{Root: "/var/venv/django", Owner: django}
	checkout := SourceCheckout{URL: repoURL, VCS: VCSGit, Path: "/var/repo/app", Owner: django}

	tests := []struct {
		name   string
		setup  func(h *fakehost.Host, e *Ensurer)
		ensure func(e *Ensurer) (Result, error)
	}{
		{
			name:   "account",
			ensure: func(e *Ensurer) (Result, error) { return e.Account(ctx, django) },
		},
		{
			name: "account with separate group",
			ensure: func(e *Ensurer) (Result, error) {
				return e.Account(ctx, Identity{User: "django", Group: "www"})
			},
		},
		{
			name: "directory",
			setup: func(h *fakehost.Host, _ *Ensurer) {
				h.AddUser("django")
			},
			ensure: func(e *Ensurer) (Result, error) {
				return e.Directory(ctx, TargetPath{Path: "/var/log/gunicorn", Owner: "django", Group: "django", Mode: 0o750})
			},
		},
		{
			name: "symlink",
			setup: func(h *fakehost.Host, _ *Ensurer) {
				h.MkdirAll("/var/www", "root", "root", 0o755)
			},
			ensure: func(e *Ensurer) (Result, error) {
				return e.Symlink(ctx, SymlinkBinding{Link: "/var/www/django", Target: "/var/repo/app"})
			},
		},
		{
			name:   "package",
			ensure: func(e *Ensurer) (Result, error) { return e.Package(ctx, Pkg("git")) },
		},
		{
			name: "command",
			ensure: func(e *Ensurer) (Result, error) {
				return e.Command(ctx, CommandRequirement{Command: "virtualenv", Package: Pkg("python-virtualenv")})
			},
		},
		{
			name: "checkout",
			setup: func(h *fakehost.Host, _ *Ensurer) {
				h.AddUser("django")
				h.InstallPackage("git")
			},
			ensure: func(e *Ensurer) (Result, error) { return e.Checkout(ctx, checkout) },
		},
		{
			name: "environment",
			setup: func(h *fakehost.Host, _ *Ensurer) {
				h.AddUser("django")
				h.InstallPackage("python-virtualenv")
				h.MkdirAll(env.Root, "django", "django", 0o755)
			},
			ensure: func(e *Ensurer) (Result, error) { return e.Environment(ctx, env) },
		},
		{
			name: "requirements",
			setup: func(h *fakehost.Host, e *Ensurer) {
				h.AddUser("django")
				h.InstallPackage("git")
				h.InstallPackage("python-virtualenv")
				h.MkdirAll(env.Root, "django", "django", 0o755)
				mustEnsure(t, func() (Result, error) { return e.Checkout(ctx, checkout) })
				mustEnsure(t, func() (Result, error) { return e.Environment(ctx, env) })
			},
			ensure: func(e *Ensurer) (Result, error) {
				return e.Requirements(ctx, env, "/var/repo/app/local-requirements.txt")
			},
		},
		{
			name: "python package",
			setup: func(h *fakehost.Host, e *Ensurer) {
				h.AddUser("django")
				h.InstallPackage("python-virtualenv")
				h.MkdirAll(env.Root, "django", "django", 0o755)
				mustEnsure(t, func() (Result, error) { return e.Environment(ctx, env) })
			},
			ensure: func(e *Ensurer) (Result, error) { return e.PythonPackage(ctx, env, "gunicorn") },
		},
		{
			name: "artifact",
			setup: func(h *fakehost.Host, _ *Ensurer) {
				h.AddUser("django")
			},
			ensure: func(e *Ensurer) (Result, error) {
				return e.Artifact(ctx, ArtifactSpec{
					Name:    "gunicorn.conf",
					Content: []byte("exec {virtualenv}/bin/gunicorn-launcher.sh\n"),
					Path:    "/etc/init/gunicorn.conf",
					Mode:    0o700,
					Owner:   "root",
					Group:   "root",
					Substitutions: []Substitution{
						{Token: "{virtualenv}", Value: env.Root},
					},
				})
			},
		},
		{
			name: "upstart service",
			setup: func(h *fakehost.Host, _ *Ensurer) {
				h.WriteFile("/etc/init/gunicorn.conf", "exec gunicorn\n", "root", "root", 0o700)
			},
			ensure: func(e *Ensurer) (Result, error) {
				return e.Service(ctx, Service{Name: "gunicorn", Manager: platform.ServiceManagerUpstart})
			},
		},
		{
			name: "systemd service",
			setup: func(h *fakehost.Host, _ *Ensurer) {
				h.WriteFile("/etc/systemd/system/gunicorn.service", "[Service]\n", "root", "root", 0o644)
			},
			ensure: func(e *Ensurer) (Result, error) {
				return e.Service(ctx, Service{Name: "gunicorn", Manager: platform.ServiceManagerSystemd})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHost()
			e := NewEnsurer(h, platform.KindApt)
			if tt.setup != nil {
				tt.setup(h, e)
			}
			assertIdempotent(t, h, func() (Result, error) { return tt.ensure(e) })
		})
	}
}

func mustEnsure(t *testing.T, fn func() (Result, error)) {
	t.Helper()
	if _, err := fn(); err != nil {
		t.Fatalf("setup ensure failed: %v", err)
	}
}

func TestEnsurer_DirectoryConvergesAttributes(t *testing.T) {
	ctx := context.Background()
	h := newHost()
	h.AddUser("django")
	h.MkdirAll("/var/log/gunicorn", "root", "root", 0o755)
	e := NewEnsurer(h, platform.KindApt)

	res, err := e.Directory(ctx, TargetPath{Path: "/var/log/gunicorn", Owner: "django", Group: "django", Mode: 0o750})
	if err != nil {
		t.Fatalf("Directory failed: %v", err)
	}
	if !res.Changed {
		t.Error("Expected ownership drift to be corrected")
	}
	owner, group, mode, _ := h.Owner("/var/log/gunicorn")
	if owner != "django" || group != "django" || mode != 0o750 {
		t.Errorf("Unexpected attributes %s:%s %o", owner, group, mode)
	}
	for _, c := range h.MutatingCalls() {
		if c.Command.Program() == "mkdir" {
			t.Error("Expected no mkdir for an existing directory")
		}
	}
}

func TestEnsurer_DirectoryOverFile(t *testing.T) {
	h := newHost()
	h.WriteFile("/var/log/gunicorn", "not a dir", "root", "root", 0o644)

	_, err := NewEnsurer(h, platform.KindApt).Directory(context.Background(), TargetPath{Path: "/var/log/gunicorn"})
	if !engine.IsEnsureFailed(err) {
		t.Errorf("Expected ensure failure, got %v", err)
	}
}

func TestEnsurer_SymlinkFailsLoudly(t *testing.T) {
	ctx := context.Background()
	binding := SymlinkBinding{Link: "/var/www/django", Target: "/var/repo/app"}

	tests := []struct {
		name  string
		setup func(h *fakehost.Host)
	}{
		{"real directory at link path", func(h *fakehost.Host) {
			h.MkdirAll("/var/www/django", "root", "root", 0o755)
		}},
		{"file at link path", func(h *fakehost.Host) {
			h.MkdirAll("/var/www", "root", "root", 0o755)
			h.WriteFile("/var/www/django", "data", "root", "root", 0o644)
		}},
		{"link to elsewhere", func(h *fakehost.Host) {
			h.MkdirAll("/var/www", "root", "root", 0o755)
			h.Symlink("/srv/other", "/var/www/django")
		}},
		{"missing parent", func(h *fakehost.Host) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHost()
			tt.setup(h)
			_, err := NewEnsurer(h, platform.KindApt).Symlink(ctx, binding)
			if !engine.IsEnsureFailed(err) {
				t.Fatalf("Expected ensure failure, got %v", err)
			}
			for _, c := range h.MutatingCalls() {
				t.Errorf("Expected no mutation, got %s", c)
			}
		})
	}
}

func TestEnsurer_CheckoutRefusesForeignContent(t *testing.T) {
	h := newHost()
	h.AddUser("django")
	h.InstallPackage("git")
	h.MkdirAll("/var/repo/app", "django", "django", 0o755)
	h.WriteFile("/var/repo/app/notes.txt", "keep me", "django", "django", 0o644)

	_, err := NewEnsurer(h, platform.KindApt).Checkout(context.Background(),
		SourceCheckout{URL: repoURL, VCS: VCSGit, Path: "/var/repo/app", Owner: django})
	if !engine.IsEnsureFailed(err) {
		t.Fatalf("Expected ensure failure, got %v", err)
	}
	if content, _ := h.FileContent("/var/repo/app/notes.txt"); content != "keep me" {
		t.Error("Expected existing content to be untouched")
	}
}

func TestEnsurer_CheckoutIntoEmptyDirectory(t *testing.T) {
	h := newHost()
	h.AddUser("django")
	h.InstallPackage("git")
	h.MkdirAll("/var/repo/app", "django", "django", 0o755)

	res, err := NewEnsurer(h, platform.KindApt).Checkout(context.Background(),
		SourceCheckout{URL: repoURL, VCS: VCSGit, Path: "/var/repo/app", Owner: django})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if !res.Changed || !h.IsDir("/var/repo/app/.git") {
		t.Error("Expected a clone into the empty directory")
	}
}

func TestEnsurer_CheckoutClaimsRootOwnedDirectory(t *testing.T) {
	h := newHost()
	h.AddUser("django")
	h.InstallPackage("git")
	h.MkdirAll("/var/repo/app", "root", "root", 0o755)

	res, err := NewEnsurer(h, platform.KindApt).Checkout(context.Background(),
		SourceCheckout{URL: repoURL, VCS: VCSGit, Path: "/var/repo/app", Owner: django})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if owner, group, _, _ := h.Owner("/var/repo/app"); owner != "django" || group != "django" {
		t.Errorf("Expected checkout directory owned by django:django, got %s:%s", owner, group)
	}
	if !res.Changed || !h.IsDir("/var/repo/app/.git") {
		t.Error("Expected a clone after taking ownership")
	}

	chown, clone := -1, -1
	for i, c := range h.MutatingCalls() {
		switch c.Command.Args[0] {
		case "chown":
			chown = i
		case "git":
			clone = i
		}
	}
	if chown < 0 || clone < chown {
		t.Errorf("Expected chown before clone, got chown=%d clone=%d", chown, clone)
	}
}

func TestEnsurer_AptUpdateOnce(t *testing.T) {
	ctx := context.Background()
	h := newHost()
	e := NewEnsurer(h, platform.KindApt)

	for _, p := range []string{"git", "python-dev", "build-essential"} {
		if _, err := e.Package(ctx, Pkg(p)); err != nil {
			t.Fatalf("Package %s failed: %v", p, err)
		}
	}

	updates := 0
	for _, c := range h.MutatingCalls() {
		if strings.Join(c.Command.Args, " ") == "apt-get -q update" {
			updates++
		}
	}
	if updates != 1 {
		t.Errorf("Expected exactly one apt-get update, got %d", updates)
	}
}

func TestEnsurer_PackageOverrides(t *testing.T) {
	h := newHost(fakehost.WithDistribution("Fedora"))
	e := NewEnsurer(h, platform.KindYum)

	req := PackageRequirement{Name: "libevent-dev", Overrides: map[platform.Kind]string{platform.KindYum: "libevent-devel"}}
	res, err := e.Package(context.Background(), req)
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	if res.Resource != "package:libevent-devel" || !h.PackageInstalled("libevent-devel") {
		t.Errorf("Expected the yum override to be installed, got %s", res.Resource)
	}
	for _, c := range h.MutatingCalls() {
		if c.Command.Program() == "apt-get" {
			t.Error("Expected no apt-get on a yum host")
		}
	}
}

func TestEnsurer_PackageFailureCarriesDiagnostic(t *testing.T) {
	h := newHost(fakehost.WithUnavailablePackage("libevent-dev"))
	_, err := NewEnsurer(h, platform.KindApt).Package(context.Background(), Pkg("libevent-dev"))

	if !engine.IsEnsureFailed(err) || !engine.IsRemoteExecution(err) {
		t.Fatalf("Expected ensure failure wrapping a remote error, got %v", err)
	}
	if diag := engine.Diagnostic(err); !strings.Contains(diag, "Unable to locate package") {
		t.Errorf("Unexpected diagnostic %q", diag)
	}
}

func TestEnsurer_ArtifactSubstitutionIsBestEffort(t *testing.T) {
	h := newHost()
	h.FailSubstitute("/etc/init/gunicorn.conf")

	res, err := NewEnsurer(h, platform.KindApt).Artifact(context.Background(), ArtifactSpec{
		Name:          "gunicorn.conf",
		Content:       []byte("exec {virtualenv}/bin/gunicorn\n"),
		Path:          "/etc/init/gunicorn.conf",
		Mode:          0o700,
		Owner:         "root",
		Group:         "root",
		Substitutions: []Substitution{{Token: "{virtualenv}", Value: "/var/venv/django"}},
	})
	if err != nil {
		t.Fatalf("Expected substitution failure to be tolerated, got %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("Expected one warning, got %v", res.Warnings)
	}
	if !h.Exists("/etc/init/gunicorn.conf") {
		t.Error("Expected the artifact to be uploaded")
	}
}

func TestEnsurer_ArtifactUploadFailure(t *testing.T) {
	h := newHost()
	h.FailUpload("/etc/init/gunicorn.conf")

	_, err := NewEnsurer(h, platform.KindApt).Artifact(context.Background(), ArtifactSpec{
		Name: "gunicorn.conf", Content: []byte("x"), Path: "/etc/init/gunicorn.conf",
	})
	if !engine.IsEnsureFailed(err) {
		t.Errorf("Expected ensure failure, got %v", err)
	}
}

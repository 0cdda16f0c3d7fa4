package resources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
)

// Result describes what an ensure or remove call did.
type Result struct {
	// Resource identifies the resource, e.g. "user:django".
	Resource string

	// Changed is true when at least one mutating command was issued.
	Changed bool

	// Actions lists the mutations performed, in order.
	Actions []string

	// Warnings are tolerated failures, such as a substitution that did not apply.
	Warnings []error
}

func (r *Result) did(action string) {
	r.Changed = true
	r.Actions = append(r.Actions, action)
}

// Record copies the result onto a step report.
func (r Result) Record(report *engine.Report) {
	for _, a := range r.Actions {
		report.Changed(r.Resource, a)
	}
	for _, w := range r.Warnings {
		report.Warn(w)
	}
}

var errNotConverged = errors.New("resource did not converge")

// Ensurer converges resources on one host: probe, do nothing if satisfied,
// otherwise act minimally and probe again.
type Ensurer struct {
	host   engine.Host
	probes *Probes
	kind   platform.Kind

	mu         sync.Mutex
	aptUpdated bool
}

// NewEnsurer creates an ensurer for a host of the given package-manager family.
func NewEnsurer(host engine.Host, kind platform.Kind) *Ensurer {
	return &Ensurer{
		host:   host,
		probes: NewProbes(host),
		kind:   kind,
	}
}

// Probes returns the probes the ensurer consults.
func (e *Ensurer) Probes() *Probes { return e.probes }

// Kind returns the package-manager family.
func (e *Ensurer) Kind() platform.Kind { return e.kind }

func (e *Ensurer) run(ctx context.Context, as engine.RunAs, args ...string) error {
	_, err := e.host.Execute(ctx, engine.Cmd(as, args...))
	return err
}

func (e *Ensurer) runIn(ctx context.Context, dir string, as engine.RunAs, args ...string) error {
	_, err := e.host.Execute(ctx, engine.Cmd(as, args...).In(dir))
	return err
}

func failed(resource string, err error) error {
	return engine.NewEnsureFailedError(resource, err)
}

func satisfied(resource string) (Result, error) {
	log.Debug().Str("resource", resource).Msg("already satisfied")
	return Result{Resource: resource}, nil
}

// User ensures the account exists with a home directory.
func (e *Ensurer) User(ctx context.Context, name string) (Result, error) {
	res := Result{Resource: "user:" + name}
	if e.probes.UserExists(ctx, name) {
		return satisfied(res.Resource)
	}
	if err := e.run(ctx, engine.AsRoot(), "useradd", "--create-home", name); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("created")
	if !e.probes.UserExists(ctx, name) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// Group ensures the group exists.
func (e *Ensurer) Group(ctx context.Context, name string) (Result, error) {
	res := Result{Resource: "group:" + name}
	if e.probes.GroupExists(ctx, name) {
		return satisfied(res.Resource)
	}
	if err := e.run(ctx, engine.AsRoot(), "groupadd", name); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("created")
	if !e.probes.GroupExists(ctx, name) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// Membership ensures user belongs to group.
func (e *Ensurer) Membership(ctx context.Context, user, group string) (Result, error) {
	res := Result{Resource: "membership:" + user + ":" + group}
	if e.probes.UserInGroup(ctx, user, group) {
		return satisfied(res.Resource)
	}
	if err := e.run(ctx, engine.AsRoot(), "usermod", "-a", "-G", group, user); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("added")
	if !e.probes.UserInGroup(ctx, user, group) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// Account ensures the user, the group and the membership between them.
func (e *Ensurer) Account(ctx context.Context, id Identity) (Result, error) {
	res := Result{Resource: "identity:" + id.String()}
	for _, fn := range []func() (Result, error){
		func() (Result, error) { return e.User(ctx, id.User) },
		func() (Result, error) { return e.Group(ctx, id.Group) },
		func() (Result, error) { return e.Membership(ctx, id.User, id.Group) },
	} {
		r, err := fn()
		res.mergeNamed(r)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// mergeNamed merges a sub-result, prefixing its actions with its resource.
func (r *Result) mergeNamed(other Result) {
	for _, a := range other.Actions {
		r.did(other.Resource + " " + a)
	}
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Directory ensures the directory exists and converges its attributes, even
// when it pre-existed. chown and chmod are only issued on a difference.
func (e *Ensurer) Directory(ctx context.Context, tp TargetPath) (Result, error) {
	res := Result{Resource: "directory:" + tp.Path}

	if !e.probes.IsDirectory(ctx, tp.Path) {
		if e.probes.PathExists(ctx, tp.Path) {
			return res, failed(res.Resource, fmt.Errorf("%s exists and is not a directory", tp.Path))
		}
		args := []string{"mkdir"}
		if tp.Recursive {
			args = append(args, "-p")
		}
		args = append(args, "--", tp.Path)
		if err := e.run(ctx, engine.AsRoot(), args...); err != nil {
			return res, failed(res.Resource, err)
		}
		res.did("created")
	}

	attrs, err := e.converge(ctx, tp.Path, tp.Owner, tp.Group, tp.Mode, &res)
	if err != nil {
		return res, failed(res.Resource, err)
	}

	if !e.probes.IsDirectory(ctx, tp.Path) || !attrs.Matches(tp.Owner, tp.Group, tp.Mode) {
		return res, failed(res.Resource, errNotConverged)
	}
	if !res.Changed {
		log.Debug().Str("resource", res.Resource).Msg("already satisfied")
	}
	return res, nil
}

// converge brings owner, group and mode of path to the wanted values and
// returns the attributes observed afterwards.
func (e *Ensurer) converge(ctx context.Context, p, owner, group string, mode os.FileMode, res *Result) (Attributes, error) {
	attrs, ok := e.probes.Attributes(ctx, p)
	if !ok {
		return attrs, fmt.Errorf("cannot read attributes of %s", p)
	}
	if attrs.Matches(owner, group, mode) {
		return attrs, nil
	}

	if (owner != "" && attrs.Owner != owner) || (group != "" && attrs.Group != group) {
		spec := owner
		if group != "" {
			spec += ":" + group
		}
		if err := e.run(ctx, engine.AsRoot(), "chown", spec, p); err != nil {
			return attrs, err
		}
		res.did("chown " + spec)
	}
	if mode != 0 && attrs.Mode.Perm() != mode.Perm() {
		m := fmt.Sprintf("%04o", mode.Perm())
		if err := e.run(ctx, engine.AsRoot(), "chmod", m, p); err != nil {
			return attrs, err
		}
		res.did("chmod " + m)
	}

	attrs, ok = e.probes.Attributes(ctx, p)
	if !ok {
		return attrs, fmt.Errorf("cannot read attributes of %s", p)
	}
	return attrs, nil
}

// Symlink ensures link points at target. An existing link path that is not
// already the correct symlink is an error; it is never replaced.
func (e *Ensurer) Symlink(ctx context.Context, b SymlinkBinding) (Result, error) {
	res := Result{Resource: "symlink:" + b.Link}

	if e.probes.IsSymlink(ctx, b.Link) {
		current, _ := e.probes.LinkTarget(ctx, b.Link)
		if path.Clean(current) == path.Clean(b.Target) {
			return satisfied(res.Resource)
		}
		return res, failed(res.Resource, fmt.Errorf("%s points at %s, not %s", b.Link, current, b.Target))
	}
	if e.probes.PathExists(ctx, b.Link) {
		return res, failed(res.Resource, fmt.Errorf("%s exists and is not a symlink", b.Link))
	}

	parent := path.Dir(b.Link)
	if !e.probes.IsDirectory(ctx, parent) {
		return res, failed(res.Resource, fmt.Errorf("parent directory %s does not exist", parent))
	}

	if err := e.run(ctx, engine.AsRoot(), "ln", "-s", b.Target, b.Link); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("linked to " + b.Target)

	if current, ok := e.probes.LinkTarget(ctx, b.Link); !ok || path.Clean(current) != path.Clean(b.Target) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// Package ensures the distribution package is installed. On apt hosts the
// package index is refreshed once per ensurer before the first install.
func (e *Ensurer) Package(ctx context.Context, req PackageRequirement) (Result, error) {
	name := req.For(e.kind)
	res := Result{Resource: "package:" + name}

	if e.probes.PackageInstalled(ctx, name, e.kind) {
		return satisfied(res.Resource)
	}

	if e.kind == platform.KindApt {
		e.mu.Lock()
		needUpdate := !e.aptUpdated
		e.mu.Unlock()
		if needUpdate {
			if err := e.run(ctx, engine.AsRoot(), "apt-get", "-q", "update"); err != nil {
				return res, failed(res.Resource, err)
			}
			e.mu.Lock()
			e.aptUpdated = true
			e.mu.Unlock()
		}
	}

	if err := e.run(ctx, engine.AsRoot(), e.kind.InstallArgs(name)...); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("installed")

	if !e.probes.PackageInstalled(ctx, name, e.kind) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// Command ensures a command is on PATH, installing its package if not.
func (e *Ensurer) Command(ctx context.Context, req CommandRequirement) (Result, error) {
	res := Result{Resource: "command:" + req.Command}
	if e.probes.OnPath(ctx, req.Command) {
		return satisfied(res.Resource)
	}

	pkg, err := e.Package(ctx, req.Package)
	res.mergeNamed(pkg)
	if err != nil {
		return res, err
	}

	if !e.probes.OnPath(ctx, req.Command) {
		return res, failed(res.Resource, fmt.Errorf("%s not on PATH after installing %s", req.Command, req.Package.For(e.kind)))
	}
	return res, nil
}

// Checkout ensures a clone exists at co.Path. Cloning only happens into an
// absent or empty directory; anything else without the expected VCS
// metadata is an error and is left untouched.
func (e *Ensurer) Checkout(ctx context.Context, co SourceCheckout) (Result, error) {
	res := Result{Resource: "checkout:" + co.Path}

	if e.probes.IsDirectory(ctx, co.MetadataPath()) {
		return satisfied(res.Resource)
	}

	if e.probes.IsDirectory(ctx, co.Path) && !e.probes.DirEmpty(ctx, co.Path) {
		return res, failed(res.Resource, fmt.Errorf("%s is not empty and is not a %s checkout", co.Path, co.VCS))
	}

	// The clone runs as the owner, so a pre-existing empty directory must
	// belong to it first.
	dir, err := e.Directory(ctx, TargetPath{
		Path:      co.Path,
		Owner:     co.Owner.User,
		Group:     co.Owner.Group,
		Recursive: true,
	})
	res.mergeNamed(dir)
	if err != nil {
		return res, err
	}

	if err := e.runIn(ctx, co.Path, engine.AsUser(co.Owner.User), string(co.VCS), "clone", "-q", co.URL, "."); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("cloned " + co.URL)

	if !e.probes.IsDirectory(ctx, co.MetadataPath()) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// Environment ensures the virtualenv is initialised. An environment whose
// activation marker exists is never recreated.
func (e *Ensurer) Environment(ctx context.Context, env RuntimeEnvironment) (Result, error) {
	res := Result{Resource: "environment:" + env.Root}
	if e.probes.IsInitializedEnvironment(ctx, env) {
		return satisfied(res.Resource)
	}

	if err := e.runIn(ctx, env.Root, engine.AsUser(env.Owner.User), "virtualenv", "-q", "."); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("initialised")

	if !e.probes.IsInitializedEnvironment(ctx, env) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// Requirements ensures the requirements file is installed into env. The
// digest of the last installed file is kept next to the environment so an
// unchanged file is not reinstalled.
func (e *Ensurer) Requirements(ctx context.Context, env RuntimeEnvironment, file string) (Result, error) {
	res := Result{Resource: "requirements:" + file}

	digest, ok := e.probes.Checksum(ctx, file)
	if !ok {
		return res, failed(res.Resource, fmt.Errorf("requirements file %s not readable", file))
	}
	marker := env.requirementsMarker()
	if current, ok := e.probes.ReadFile(ctx, marker); ok && current == digest {
		return satisfied(res.Resource)
	}

	if err := e.run(ctx, engine.AsUser(env.Owner.User), env.Bin("pip"), "install", "-q", "-r", file); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("installed")

	err := e.host.Upload(ctx, engine.Artifact{
		Name:        "requirements digest",
		Content:     []byte(digest + "\n"),
		Destination: marker,
		Mode:        0o644,
		Elevated:    true,
	})
	if err != nil {
		return res, failed(res.Resource, err)
	}

	if current, ok := e.probes.ReadFile(ctx, marker); !ok || current != digest {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// PythonPackage ensures a package is installed into env with pip.
func (e *Ensurer) PythonPackage(ctx context.Context, env RuntimeEnvironment, name string) (Result, error) {
	res := Result{Resource: "pip:" + name}
	if e.probes.PythonPackageInstalled(ctx, env, name) {
		return satisfied(res.Resource)
	}

	if err := e.run(ctx, engine.AsUser(env.Owner.User), env.Bin("pip"), "install", "-q", name); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("installed")

	if !e.probes.PythonPackageInstalled(ctx, env, name) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// Artifact ensures the file at spec.Path holds the rendered content with the
// requested attributes. The upload is skipped when the remote digest already
// matches; substitutions that fail are returned as warnings.
func (e *Ensurer) Artifact(ctx context.Context, spec ArtifactSpec) (Result, error) {
	res := Result{Resource: "file:" + spec.Path}
	want := digestOf(spec.Rendered())

	current, _ := e.probes.Checksum(ctx, spec.Path)
	if current != want || !e.probes.IsFile(ctx, spec.Path) {
		err := e.host.Upload(ctx, engine.Artifact{
			Name:        spec.Name,
			Content:     spec.Content,
			Destination: spec.Path,
			Mode:        spec.Mode,
			Elevated:    true,
		})
		if err != nil {
			return res, failed(res.Resource, err)
		}
		res.did("uploaded")

		for _, s := range spec.Substitutions {
			if err := e.host.Substitute(ctx, spec.Path, s.Token, s.Value, true); err != nil {
				res.Warnings = append(res.Warnings, fmt.Errorf("substitute %s in %s: %w", s.Token, spec.Path, err))
				continue
			}
			res.did("substituted " + s.Token)
		}
	}

	if _, err := e.converge(ctx, spec.Path, spec.Owner, spec.Group, spec.Mode, &res); err != nil {
		return res, failed(res.Resource, err)
	}

	if !e.probes.IsFile(ctx, spec.Path) {
		return res, failed(res.Resource, errNotConverged)
	}
	if !res.Changed {
		log.Debug().Str("resource", res.Resource).Msg("already satisfied")
	}
	return res, nil
}

// Service ensures the service is running and, under systemd, enabled.
func (e *Ensurer) Service(ctx context.Context, svc Service) (Result, error) {
	res := Result{Resource: "service:" + svc.Name}
	if e.probes.ServiceActive(ctx, svc) {
		return satisfied(res.Resource)
	}

	var cmds [][]string
	if svc.Manager == platform.ServiceManagerSystemd {
		cmds = [][]string{
			{"systemctl", "daemon-reload"},
			{"systemctl", "enable", "--now", svc.Name},
		}
	} else {
		cmds = [][]string{{"service", svc.Name, "start"}}
	}
	for _, args := range cmds {
		if err := e.run(ctx, engine.AsRoot(), args...); err != nil {
			return res, failed(res.Resource, err)
		}
	}
	res.did("started")

	if !e.probes.ServiceActive(ctx, svc) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// Reload asks a running service to re-read its configuration.
func (e *Ensurer) Reload(ctx context.Context, svc Service) (Result, error) {
	res := Result{Resource: "service:" + svc.Name}
	args := []string{"service", svc.Name, "reload"}
	if svc.Manager == platform.ServiceManagerSystemd {
		args = []string{"systemctl", "reload", svc.Name}
	}
	if err := e.run(ctx, engine.AsRoot(), args...); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("reloaded")
	return res, nil
}

// ReloadUnits makes systemd re-read its unit files after one was added or
// removed.
func (e *Ensurer) ReloadUnits(ctx context.Context) (Result, error) {
	res := Result{Resource: "systemd:units"}
	if err := e.run(ctx, engine.AsRoot(), "systemctl", "daemon-reload"); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("daemon-reload")
	return res, nil
}

// UpgradeSystem brings every installed package up to date. It always acts.
func (e *Ensurer) UpgradeSystem(ctx context.Context) (Result, error) {
	res := Result{Resource: "system:packages"}
	for _, args := range e.kind.UpgradeArgs() {
		if err := e.run(ctx, engine.AsRoot(), args...); err != nil {
			return res, failed(res.Resource, err)
		}
		res.did(strings.Join(args, " "))
	}
	if e.kind == platform.KindApt {
		e.mu.Lock()
		e.aptUpdated = true
		e.mu.Unlock()
	}
	return res, nil
}

// Validate runs a read-only check command, such as "nginx -t", and fails the
// resource with its diagnostic when it exits non-zero.
func (e *Ensurer) Validate(ctx context.Context, resource string, as engine.RunAs, args ...string) error {
	if err := e.run(ctx, as, args...); err != nil {
		return failed(resource, err)
	}
	return nil
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

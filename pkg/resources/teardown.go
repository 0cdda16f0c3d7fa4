package resources

import (
	"context"
	"fmt"
	"path"

	"github.com/rs/zerolog/log"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
)

// Teardown methods are the guarded inverses of the ensure methods. An absent
// target is a silent no-op. A present target that the guard does not
// recognise is left alone and reported as a guard violation.

func absent(resource string) (Result, error) {
	log.Debug().Str("resource", resource).Msg("absent, nothing to remove")
	return Result{Resource: resource}, nil
}

func refused(res Result, reason string) (Result, error) {
	err := engine.NewGuardViolationError(res.Resource, reason)
	log.Warn().Str("resource", res.Resource).Msg(reason)
	return res, err
}

func (e *Ensurer) remove(ctx context.Context, res *Result, args ...string) error {
	if err := e.run(ctx, engine.AsRoot(), args...); err != nil {
		return failed(res.Resource, err)
	}
	res.did("removed")
	return nil
}

// RemoveSymlink removes link only if it is a symbolic link.
func (e *Ensurer) RemoveSymlink(ctx context.Context, link string) (Result, error) {
	res := Result{Resource: "symlink:" + link}
	if e.probes.IsSymlink(ctx, link) {
		return res, e.remove(ctx, &res, "rm", "-f", "--", link)
	}
	if e.probes.PathExists(ctx, link) {
		return refused(res, link+" is not a symlink")
	}
	return absent(res.Resource)
}

// RemoveBinding removes b.Link only if it is a symlink pointing at b.Target.
func (e *Ensurer) RemoveBinding(ctx context.Context, b SymlinkBinding) (Result, error) {
	res := Result{Resource: "symlink:" + b.Link}
	if e.probes.IsSymlink(ctx, b.Link) {
		current, ok := e.probes.LinkTarget(ctx, b.Link)
		if !ok || path.Clean(current) != path.Clean(b.Target) {
			return refused(res, fmt.Sprintf("%s points at %s, not %s", b.Link, current, b.Target))
		}
		return res, e.remove(ctx, &res, "rm", "-f", "--", b.Link)
	}
	if e.probes.PathExists(ctx, b.Link) {
		return refused(res, b.Link+" is not a symlink")
	}
	return absent(res.Resource)
}

// RemoveCheckout removes the checkout only if its VCS metadata directory exists.
func (e *Ensurer) RemoveCheckout(ctx context.Context, co SourceCheckout) (Result, error) {
	res := Result{Resource: "checkout:" + co.Path}
	if e.probes.IsSymlink(ctx, co.Path) {
		return refused(res, co.Path+" is a symlink")
	}
	if e.probes.IsDirectory(ctx, co.MetadataPath()) {
		return res, e.remove(ctx, &res, "rm", "-rf", "--", co.Path)
	}
	if e.probes.PathExists(ctx, co.Path) {
		return refused(res, co.Path+" has no "+co.VCS.MetadataDir()+" directory")
	}
	return absent(res.Resource)
}

// RemoveEnvironment removes the environment only if its activation marker exists.
func (e *Ensurer) RemoveEnvironment(ctx context.Context, env RuntimeEnvironment) (Result, error) {
	res := Result{Resource: "environment:" + env.Root}
	if e.probes.IsSymlink(ctx, env.Root) {
		return refused(res, env.Root+" is a symlink")
	}
	if e.probes.IsInitializedEnvironment(ctx, env) {
		return res, e.remove(ctx, &res, "rm", "-rf", "--", env.Root)
	}
	if e.probes.PathExists(ctx, env.Root) {
		return refused(res, env.Root+" is not an initialised environment")
	}
	return absent(res.Resource)
}

// RemoveDirectory removes a directory only if it is a real directory owned
// by tp.Owner, when set.
func (e *Ensurer) RemoveDirectory(ctx context.Context, tp TargetPath) (Result, error) {
	res := Result{Resource: "directory:" + tp.Path}
	if !e.probes.PathExists(ctx, tp.Path) {
		return absent(res.Resource)
	}
	if e.probes.IsSymlink(ctx, tp.Path) || !e.probes.IsDirectory(ctx, tp.Path) {
		return refused(res, tp.Path+" is not a directory")
	}
	if tp.Owner != "" {
		attrs, ok := e.probes.Attributes(ctx, tp.Path)
		if !ok || attrs.Owner != tp.Owner {
			return refused(res, tp.Path+" is not owned by "+tp.Owner)
		}
	}
	return res, e.remove(ctx, &res, "rm", "-rf", "--", tp.Path)
}

// RemoveFile removes a regular file.
func (e *Ensurer) RemoveFile(ctx context.Context, path string) (Result, error) {
	res := Result{Resource: "file:" + path}
	if !e.probes.PathExists(ctx, path) {
		return absent(res.Resource)
	}
	if e.probes.IsSymlink(ctx, path) || !e.probes.IsFile(ctx, path) {
		return refused(res, path+" is not a regular file")
	}
	return res, e.remove(ctx, &res, "rm", "-f", "--", path)
}

// RemoveArtifact removes a file this tool rendered. A file whose content no
// longer matches the rendered artifact has been edited on the host and is
// kept.
func (e *Ensurer) RemoveArtifact(ctx context.Context, spec ArtifactSpec) (Result, error) {
	res := Result{Resource: "file:" + spec.Path}
	if !e.probes.PathExists(ctx, spec.Path) {
		return absent(res.Resource)
	}
	if e.probes.IsSymlink(ctx, spec.Path) || !e.probes.IsFile(ctx, spec.Path) {
		return refused(res, spec.Path+" is not a regular file")
	}
	if sum, _ := e.probes.Checksum(ctx, spec.Path); sum != digestOf(spec.Rendered()) {
		return refused(res, spec.Path+" was modified after install")
	}
	return res, e.remove(ctx, &res, "rm", "-f", "--", spec.Path)
}

// RemoveAccount deletes the user with its home directory, then the group if
// it survived and nothing else relies on it. The root account is never
// removed.
func (e *Ensurer) RemoveAccount(ctx context.Context, id Identity) (Result, error) {
	res := Result{Resource: "identity:" + id.String()}
	if id.User == "root" || id.Group == "root" {
		return refused(res, "refusing to remove the root account")
	}

	if e.probes.UserExists(ctx, id.User) {
		if err := e.run(ctx, engine.AsRoot(), "userdel", "-r", id.User); err != nil {
			return res, failed(res.Resource, err)
		}
		res.did("user:" + id.User + " removed")
	}
	// userdel drops a same-named private group on most distributions.
	if e.probes.GroupExists(ctx, id.Group) {
		if reason := e.sharedGroup(ctx, id); reason != "" {
			return refused(res, reason)
		}
		if err := e.run(ctx, engine.AsRoot(), "groupdel", id.Group); err != nil {
			return res, failed(res.Resource, err)
		}
		res.did("group:" + id.Group + " removed")
	}

	if !res.Changed {
		return absent(res.Resource)
	}
	if e.probes.UserExists(ctx, id.User) || e.probes.GroupExists(ctx, id.Group) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// sharedGroup returns why the identity's group must be kept, or "" when
// only the removed user ever used it.
func (e *Ensurer) sharedGroup(ctx context.Context, id Identity) string {
	g, ok := e.probes.Group(ctx, id.Group)
	if !ok {
		return "cannot read the group entry of " + id.Group
	}
	if g.System() {
		return fmt.Sprintf("group %s is a system group (gid %d)", g.Name, g.GID)
	}
	for _, m := range g.Members {
		if m != id.User {
			return "group " + g.Name + " still has member " + m
		}
	}
	users, ok := e.probes.PrimaryGroupUsers(ctx, g.GID)
	if !ok {
		return "cannot list the accounts of group " + g.Name
	}
	for _, u := range users {
		if u != id.User {
			return "group " + g.Name + " is the primary group of " + u
		}
	}
	return ""
}

// StopService stops a running service and, under systemd, disables it.
func (e *Ensurer) StopService(ctx context.Context, svc Service) (Result, error) {
	res := Result{Resource: "service:" + svc.Name}
	if !e.probes.ServiceActive(ctx, svc) {
		return absent(res.Resource)
	}

	args := []string{"service", svc.Name, "stop"}
	if svc.Manager == platform.ServiceManagerSystemd {
		args = []string{"systemctl", "disable", "--now", svc.Name}
	}
	if err := e.run(ctx, engine.AsRoot(), args...); err != nil {
		return res, failed(res.Resource, err)
	}
	res.did("stopped")

	if e.probes.ServiceActive(ctx, svc) {
		return res, failed(res.Resource, errNotConverged)
	}
	return res, nil
}

// Package resources converges individual pieces of host state. Probes answer
// questions about the host without changing it; the Ensurer composes a probe
// with the minimal corrective action and its guarded inverse.
package resources

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
)

// Probes are non-mutating queries over remote state. Every probe tolerates
// the absence of what it tests and folds an inconclusive answer into false.
// Filesystem probes run as root so that permission bits never hide a path.
type Probes struct {
	exec engine.Executor
}

// NewProbes creates probes over exec.
func NewProbes(exec engine.Executor) *Probes {
	return &Probes{exec: exec}
}

// query runs a tolerant command. ok is false when the transport failed.
func (p *Probes) query(ctx context.Context, probe string, as engine.RunAs, args ...string) (*engine.Result, bool) {
	res, err := p.exec.Execute(ctx, engine.Cmd(as, args...).Tolerating())
	if err != nil {
		log.Warn().
			Err(engine.NewProbeInconclusiveError(probe, err)).
			Str("probe", probe).
			Msg("probe inconclusive, assuming absent")
		return nil, false
	}
	return res, true
}

func (p *Probes) check(ctx context.Context, probe string, as engine.RunAs, args ...string) bool {
	res, ok := p.query(ctx, probe, as, args...)
	return ok && res.Success()
}

// UserExists reports whether the account exists.
func (p *Probes) UserExists(ctx context.Context, name string) bool {
	return p.check(ctx, "user_exists", engine.AsLogin(), "id", "-u", name)
}

// GroupExists reports whether the group exists.
func (p *Probes) GroupExists(ctx context.Context, name string) bool {
	return p.check(ctx, "group_exists", engine.AsLogin(), "getent", "group", name)
}

// Group returns the group database entry for name.
func (p *Probes) Group(ctx context.Context, name string) (GroupEntry, bool) {
	res, ok := p.query(ctx, "group", engine.AsLogin(), "getent", "group", name)
	if !ok || !res.Success() {
		return GroupEntry{}, false
	}
	return parseGroupEntry(res.Stdout)
}

func parseGroupEntry(out string) (GroupEntry, bool) {
	fields := strings.Split(strings.TrimSpace(out), ":")
	if len(fields) != 4 {
		return GroupEntry{}, false
	}
	gid, err := strconv.Atoi(fields[2])
	if err != nil {
		return GroupEntry{}, false
	}
	g := GroupEntry{Name: fields[0], GID: gid}
	for _, m := range strings.Split(fields[3], ",") {
		if m != "" {
			g.Members = append(g.Members, m)
		}
	}
	return g, true
}

// PrimaryGroupUsers lists the accounts whose primary group is gid.
func (p *Probes) PrimaryGroupUsers(ctx context.Context, gid int) ([]string, bool) {
	res, ok := p.query(ctx, "primary_group_users", engine.AsLogin(), "getent", "passwd")
	if !ok || !res.Success() {
		return nil, false
	}
	var users []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			continue
		}
		if fields[3] == strconv.Itoa(gid) {
			users = append(users, fields[0])
		}
	}
	return users, true
}

// UserInGroup reports whether user is a member of group, primary or supplementary.
func (p *Probes) UserInGroup(ctx context.Context, user, group string) bool {
	res, ok := p.query(ctx, "user_in_group", engine.AsLogin(), "id", "-nG", user)
	if !ok || !res.Success() {
		return false
	}
	for _, g := range strings.Fields(res.Stdout) {
		if g == group {
			return true
		}
	}
	return false
}

// PathExists reports whether anything, including a dangling symlink, is at path.
func (p *Probes) PathExists(ctx context.Context, path string) bool {
	return p.check(ctx, "path_exists", engine.AsRoot(), "test", "-e", path, "-o", "-L", path)
}

// IsDirectory reports whether path is a directory. Symlinks are followed.
func (p *Probes) IsDirectory(ctx context.Context, path string) bool {
	return p.check(ctx, "is_directory", engine.AsRoot(), "test", "-d", path)
}

// IsFile reports whether path is a regular file. Symlinks are followed.
func (p *Probes) IsFile(ctx context.Context, path string) bool {
	return p.check(ctx, "is_file", engine.AsRoot(), "test", "-f", path)
}

// IsSymlink reports whether path itself is a symbolic link.
func (p *Probes) IsSymlink(ctx context.Context, path string) bool {
	return p.check(ctx, "is_symlink", engine.AsRoot(), "test", "-L", path)
}

// LinkTarget returns the target of the symlink at path.
func (p *Probes) LinkTarget(ctx context.Context, path string) (string, bool) {
	res, ok := p.query(ctx, "link_target", engine.AsRoot(), "readlink", path)
	if !ok || !res.Success() {
		return "", false
	}
	return strings.TrimSpace(res.Stdout), true
}

// DirEmpty reports whether path is an existing directory with no entries.
func (p *Probes) DirEmpty(ctx context.Context, path string) bool {
	res, ok := p.query(ctx, "dir_empty", engine.AsRoot(), "ls", "-A", path)
	return ok && res.Success() && strings.TrimSpace(res.Stdout) == ""
}

// OnPath reports whether command resolves on the login user's PATH.
func (p *Probes) OnPath(ctx context.Context, command string) bool {
	return p.check(ctx, "on_path", engine.AsLogin(), "command", "-v", command)
}

// PackageInstalled reports whether the distribution package is installed.
func (p *Probes) PackageInstalled(ctx context.Context, name string, kind platform.Kind) bool {
	res, ok := p.query(ctx, "package_installed", engine.AsLogin(), kind.QueryArgs(name)...)
	if !ok || !res.Success() {
		return false
	}
	if kind == platform.KindApt {
		// dpkg keeps removed-but-not-purged packages around.
		return strings.Contains(res.Stdout, "install ok installed")
	}
	return true
}

// IsInitializedEnvironment reports whether the environment's activation marker exists.
func (p *Probes) IsInitializedEnvironment(ctx context.Context, env RuntimeEnvironment) bool {
	return p.IsFile(ctx, env.ActivationMarker())
}

// Attributes returns the owner, group and mode of path.
func (p *Probes) Attributes(ctx context.Context, path string) (Attributes, bool) {
	res, ok := p.query(ctx, "attributes", engine.AsRoot(), "stat", "-c", "%U %G %a", path)
	if !ok || !res.Success() {
		return Attributes{}, false
	}
	return parseAttributes(res.Stdout)
}

func parseAttributes(out string) (Attributes, bool) {
	fields := strings.Fields(out)
	if len(fields) != 3 {
		return Attributes{}, false
	}
	mode, err := strconv.ParseUint(fields[2], 8, 32)
	if err != nil {
		return Attributes{}, false
	}
	return Attributes{Owner: fields[0], Group: fields[1], Mode: os.FileMode(mode)}, true
}

// Checksum returns the hex sha256 of the file at path.
func (p *Probes) Checksum(ctx context.Context, path string) (string, bool) {
	res, ok := p.query(ctx, "checksum", engine.AsRoot(), "sha256sum", path)
	if !ok || !res.Success() {
		return "", false
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// ReadFile returns the trimmed content of the file at path.
func (p *Probes) ReadFile(ctx context.Context, path string) (string, bool) {
	res, ok := p.query(ctx, "read_file", engine.AsRoot(), "cat", path)
	if !ok || !res.Success() {
		return "", false
	}
	return strings.TrimSpace(res.Stdout), true
}

// ServiceActive reports whether the supervised service is running.
func (p *Probes) ServiceActive(ctx context.Context, svc Service) bool {
	if svc.Manager == platform.ServiceManagerSystemd {
		return p.check(ctx, "service_active", engine.AsRoot(), "systemctl", "is-active", "--quiet", svc.Name)
	}
	res, ok := p.query(ctx, "service_active", engine.AsRoot(), "service", svc.Name, "status")
	if !ok || !res.Success() {
		return false
	}
	// Upstart exits zero for known but stopped jobs.
	return !strings.Contains(res.Stdout, "stop/waiting")
}

// PythonPackageInstalled reports whether pip in env knows the package.
func (p *Probes) PythonPackageInstalled(ctx context.Context, env RuntimeEnvironment, name string) bool {
	return p.check(ctx, "python_package_installed", engine.AsRoot(), env.Bin("pip"), "show", "-q", name)
}

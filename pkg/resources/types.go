package resources

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
)

// Identity is the system account the application runs as.
type Identity struct {
	User  string
	Group string
}

func (i Identity) String() string { return i.User + ":" + i.Group }

// TargetPath is a directory brought into existence with fixed attributes.
type TargetPath struct {
	Path  string
	Owner string
	Group string
	Mode  os.FileMode

	// Recursive creates missing parents.
	Recursive bool
}

// SymlinkBinding points Link at Target.
type SymlinkBinding struct {
	Link   string
	Target string
}

// VCS is the version-control system of a source checkout.
type VCS string

const (
	VCSGit       VCS = "git"
	VCSMercurial VCS = "hg"
)

// Validate checks if the VCS is supported.
func (v VCS) Validate() error {
	switch v {
	case VCSGit, VCSMercurial:
		return nil
	default:
		return fmt.Errorf("invalid vcs: %q", v)
	}
}

// Package returns the distribution package that provides the VCS tool.
func (v VCS) Package() string {
	if v == VCSMercurial {
		return "mercurial"
	}
	return "git"
}

// MetadataDir returns the name of the metadata directory at the checkout root.
func (v VCS) MetadataDir() string {
	return "." + string(v)
}

// SourceCheckout is a clone of URL at Path owned by Owner.
type SourceCheckout struct {
	URL   string
	VCS   VCS
	Path  string
	Owner Identity
}

// MetadataPath returns the path whose presence marks a managed checkout.
func (s SourceCheckout) MetadataPath() string {
	return path.Join(s.Path, s.VCS.MetadataDir())
}

// RuntimeEnvironment is a Python virtualenv rooted at Root.
type RuntimeEnvironment struct {
	Root  string
	Owner Identity
}

// ActivationMarker returns the file whose presence marks an initialised environment.
func (e RuntimeEnvironment) ActivationMarker() string {
	return path.Join(e.Root, "bin", "activate")
}

// Bin returns the path of an executable inside the environment.
func (e RuntimeEnvironment) Bin(name string) string {
	return path.Join(e.Root, "bin", name)
}

// requirementsMarker records the digest of the last installed requirements file.
func (e RuntimeEnvironment) requirementsMarker() string {
	return path.Join(e.Root, ".requirements.sha256")
}

// PackageRequirement is a distribution package, optionally renamed per family.
type PackageRequirement struct {
	Name      string
	Overrides map[platform.Kind]string
}

// Pkg is a requirement with the same name on every family.
func Pkg(name string) PackageRequirement {
	return PackageRequirement{Name: name}
}

// For returns the package name on the given family.
func (p PackageRequirement) For(kind platform.Kind) string {
	if n, ok := p.Overrides[kind]; ok && n != "" {
		return n
	}
	return p.Name
}

// CommandRequirement is satisfied when Command is on PATH; otherwise
// Package is installed to provide it.
type CommandRequirement struct {
	Command string
	Package PackageRequirement
}

// ArtifactSpec is a file rendered locally and placed on the host.
type ArtifactSpec struct {
	Name    string
	Content []byte
	Path    string
	Mode    os.FileMode
	Owner   string
	Group   string

	// Substitutions are applied in order after upload. They are best-effort.
	Substitutions []Substitution
}

// Substitution replaces Token with Value inside an artifact.
type Substitution struct {
	Token string
	Value string
}

// Rendered returns the content with every substitution applied, which is
// what the remote file holds once converged.
func (a ArtifactSpec) Rendered() []byte {
	out := string(a.Content)
	for _, s := range a.Substitutions {
		out = strings.ReplaceAll(out, s.Token, s.Value)
	}
	return []byte(out)
}

// Service is a supervised service.
type Service struct {
	Name    string
	Manager platform.ServiceManager
}

// FirstRegularGID is the lowest group ID useradd and groupadd hand out to
// regular groups. Lower IDs belong to the distribution.
const FirstRegularGID = 1000

// GroupEntry is one line of the group database.
type GroupEntry struct {
	Name    string
	GID     int
	Members []string
}

// System reports whether the group was allocated by the distribution.
func (g GroupEntry) System() bool {
	return g.GID < FirstRegularGID
}

// Attributes are the owner, group and permission bits of a path.
type Attributes struct {
	Owner string
	Group string
	Mode  os.FileMode
}

func (a Attributes) String() string {
	return fmt.Sprintf("%s:%s %04o", a.Owner, a.Group, a.Mode)
}

// Matches reports whether a satisfies the wanted attributes. Empty owner
// or group and a zero mode are not checked.
func (a Attributes) Matches(owner, group string, mode os.FileMode) bool {
	if owner != "" && a.Owner != owner {
		return false
	}
	if group != "" && a.Group != group {
		return false
	}
	if mode != 0 && a.Mode.Perm() != mode.Perm() {
		return false
	}
	return true
}

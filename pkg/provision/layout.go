package provision

import (
	"embed"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/dwurf/django-gunicorn-nginx/pkg/config"
	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
	"github.com/dwurf/django-gunicorn-nginx/pkg/resources"
)

//go:embed artifacts/*
var artifactFS embed.FS

func artifact(name string) []byte {
	b, err := artifactFS.ReadFile("artifacts/" + name)
	if err != nil {
		panic("provision: missing embedded artifact " + name)
	}
	return b
}

// Artifact tokens replaced on the host after upload.
const (
	TokenVirtualenv = "{virtualenv}"
	TokenProject    = "{project}"
	TokenBind       = "{bind}"
	TokenLogDir     = "{log_dir}"
	TokenUser       = "{user}"
	TokenGroup      = "{group}"
)

// Package names that differ between families.
var packageOverrides = map[string]map[platform.Kind]string{
	"python-dev":      {platform.KindYum: "python-devel"},
	"build-essential": {platform.KindYum: "gcc"},
	"libevent-dev":    {platform.KindYum: "libevent-devel"},
}

func requirement(name string) resources.PackageRequirement {
	return resources.PackageRequirement{Name: name, Overrides: packageOverrides[name]}
}

// Layout is the remote state both plans agree on. It is derived once from
// the deployment and never modified, so the paths the uninstaller removes
// are exactly the paths the installer created.
type Layout struct {
	Identity     resources.Identity
	Checkout     resources.SourceCheckout
	Environment  resources.RuntimeEnvironment
	Requirements string
	DocumentRoot resources.SymlinkBinding
	LogDir       resources.TargetPath

	VCSPackage  resources.PackageRequirement
	Interpreter resources.CommandRequirement
	Virtualenv  resources.CommandRequirement
	Packages    []resources.PackageRequirement

	ServerName  string
	ProxyURL    string
	ServiceName string

	UpgradeSystem        bool
	PerformanceExtension bool
}

// NewLayout derives the layout from a deployment.
func NewLayout(d config.Deployment) Layout {
	id := resources.Identity{User: d.User, Group: d.Group}
	vcs := resources.VCS(d.VCS)

	pkgs := make([]resources.PackageRequirement, len(d.Packages))
	for i, p := range d.Packages {
		pkgs[i] = requirement(p)
	}

	return Layout{
		Identity: id,
		Checkout: resources.SourceCheckout{
			URL:   d.RepoURL,
			VCS:   vcs,
			Path:  d.RepoDir,
			Owner: id,
		},
		Environment:  resources.RuntimeEnvironment{Root: d.VirtualenvDir, Owner: id},
		Requirements: path.Join(d.RepoDir, d.RepoRoot, d.RequirementsFile),
		DocumentRoot: resources.SymlinkBinding{
			Link:   d.DocumentRoot,
			Target: path.Join(d.RepoDir, d.RepoRoot),
		},
		LogDir: resources.TargetPath{
			Path:  d.LogDir,
			Owner: d.User,
			Group: d.Group,
			Mode:  0o755,
		},
		VCSPackage:  requirement(vcs.Package()),
		Interpreter: resources.CommandRequirement{Command: d.Interpreter, Package: requirement(d.Interpreter)},
		Virtualenv:  resources.CommandRequirement{Command: "virtualenv", Package: requirement("python-virtualenv")},
		Packages:    pkgs,

		ServerName:  d.ServerName,
		ProxyURL:    d.ProxyURL,
		ServiceName: d.ServiceName,

		UpgradeSystem:        d.UpgradeSystem,
		PerformanceExtension: d.PerformanceExtension,
	}
}

// ManagedPaths lists every path the installer creates and the uninstaller
// may remove.
func (l Layout) ManagedPaths() []string {
	return []string{
		l.DocumentRoot.Link,
		l.Checkout.Path,
		l.Environment.Root,
		l.LogDir.Path,
	}
}

// Service returns the supervised application service.
func (l Layout) Service(m platform.ServiceManager) resources.Service {
	return resources.Service{Name: l.ServiceName, Manager: m}
}

// ProxyService returns the reverse proxy's service.
func (l Layout) ProxyService(m platform.ServiceManager) resources.Service {
	return resources.Service{Name: "nginx", Manager: m}
}

// Bind is the host:port gunicorn listens on, taken from the proxy URL.
func (l Layout) Bind() string {
	u, err := url.Parse(l.ProxyURL)
	if err != nil || u.Host == "" {
		return "127.0.0.1:8000"
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// SitePath is where the proxied site definition lives on kind.
func (l Layout) SitePath(kind platform.Kind) string {
	if kind == platform.KindApt {
		return "/etc/nginx/sites-available/" + l.ServerName
	}
	return "/etc/nginx/conf.d/" + l.ServerName + ".conf"
}

// SiteLink is the enabling symlink on apt hosts. Other families read
// conf.d directly and have none.
func (l Layout) SiteLink(kind platform.Kind) (resources.SymlinkBinding, bool) {
	if kind != platform.KindApt {
		return resources.SymlinkBinding{}, false
	}
	return resources.SymlinkBinding{
		Link:   "/etc/nginx/sites-enabled/" + l.ServerName,
		Target: l.SitePath(kind),
	}, true
}

// Site is the proxied site definition, rendered locally.
func (l Layout) Site(kind platform.Kind) resources.ArtifactSpec {
	content := strings.NewReplacer(
		"{server_name}", l.ServerName,
		"{document_root}", l.DocumentRoot.Link,
		"{proxy_url}", l.ProxyURL,
	).Replace(string(artifact("nginx-site.conf")))

	return resources.ArtifactSpec{
		Name:    "nginx-site.conf",
		Content: []byte(content),
		Path:    l.SitePath(kind),
		Mode:    0o644,
		Owner:   "root",
		Group:   "root",
	}
}

// Launcher is the script the supervisor executes. It is bound to the
// deployment on the host.
func (l Layout) Launcher() resources.ArtifactSpec {
	return resources.ArtifactSpec{
		Name:    "gunicorn-launcher.sh",
		Content: artifact("gunicorn-launcher.sh"),
		Path:    l.Environment.Bin("gunicorn-launcher.sh"),
		Mode:    0o700,
		Owner:   l.Identity.User,
		Group:   l.Identity.Group,
		Substitutions: []resources.Substitution{
			{Token: TokenVirtualenv, Value: l.Environment.Root},
			{Token: TokenProject, Value: l.DocumentRoot.Link},
			{Token: TokenBind, Value: l.Bind()},
			{Token: TokenLogDir, Value: l.LogDir.Path},
		},
	}
}

// UnitPath is the service definition path for the manager.
func (l Layout) UnitPath(m platform.ServiceManager) string {
	if m == platform.ServiceManagerSystemd {
		return "/etc/systemd/system/" + l.ServiceName + ".service"
	}
	return "/etc/init/" + l.ServiceName + ".conf"
}

// Unit is the supervisor definition: an upstart job or a systemd unit.
func (l Layout) Unit(m platform.ServiceManager) resources.ArtifactSpec {
	spec := resources.ArtifactSpec{
		Name:    "gunicorn.conf",
		Content: artifact("gunicorn.conf"),
		Path:    l.UnitPath(m),
		Mode:    0o700,
		Owner:   "root",
		Group:   "root",
		Substitutions: []resources.Substitution{
			{Token: TokenVirtualenv, Value: l.Environment.Root},
			{Token: TokenUser, Value: l.Identity.User},
			{Token: TokenGroup, Value: l.Identity.Group},
		},
	}
	if m == platform.ServiceManagerSystemd {
		spec.Name = "gunicorn.service"
		spec.Content = artifact("gunicorn.service")
		spec.Mode = 0o644
	}
	return spec
}

// Facts is the deployment as seen by verification scripts and policies.
func (l Layout) Facts() map[string]interface{} {
	pkgs := make([]interface{}, len(l.Packages))
	for i, p := range l.Packages {
		pkgs[i] = p.Name
	}
	managed := make([]interface{}, 0, 4)
	for _, p := range l.ManagedPaths() {
		managed = append(managed, p)
	}
	return map[string]interface{}{
		"user":           l.Identity.User,
		"group":          l.Identity.Group,
		"document_root":  l.DocumentRoot.Link,
		"repo_dir":       l.Checkout.Path,
		"repo_url":       l.Checkout.URL,
		"vcs":            string(l.Checkout.VCS),
		"virtualenv_dir": l.Environment.Root,
		"requirements":   l.Requirements,
		"log_dir":        l.LogDir.Path,
		"server_name":    l.ServerName,
		"proxy_url":      l.ProxyURL,
		"bind":           l.Bind(),
		"service_name":   l.ServiceName,
		"packages":       pkgs,
		"managed_paths":  managed,
	}
}

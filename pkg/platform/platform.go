// Package platform maps the remote distribution to the package-manager family
// and service manager the provisioner drives.
package platform

import (
	"fmt"
	"strings"
)

// Kind is a package-manager family.
type Kind string

const (
	// KindApt covers Debian derivatives.
	KindApt Kind = "apt"

	// KindYum covers Fedora and Red Hat derivatives.
	KindYum Kind = "yum"
)

// Validate checks if the kind is one of the supported families.
func (k Kind) Validate() error {
	switch k {
	case KindApt, KindYum:
		return nil
	default:
		return fmt.Errorf("invalid package manager kind: %q", k)
	}
}

// DefaultServiceManager returns the supervisor shipped by the family's
// reference distributions.
func (k Kind) DefaultServiceManager() ServiceManager {
	if k == KindApt {
		return ServiceManagerUpstart
	}
	return ServiceManagerSystemd
}

// InstallArgs returns the non-interactive install command for a package.
func (k Kind) InstallArgs(pkg string) []string {
	if k == KindApt {
		return []string{"apt-get", "install", "-qy", pkg}
	}
	return []string{"yum", "install", "-y", pkg}
}

// QueryArgs returns the command that exits zero when a package is installed.
func (k Kind) QueryArgs(pkg string) []string {
	if k == KindApt {
		return []string{"dpkg-query", "-W", "-f=${Status}", pkg}
	}
	return []string{"rpm", "-q", pkg}
}

// UpgradeArgs returns the commands that bring every installed package up to date.
func (k Kind) UpgradeArgs() [][]string {
	if k == KindApt {
		return [][]string{
			{"apt-get", "-q", "update"},
			{"apt-get", "-qy", "upgrade"},
		}
	}
	return [][]string{{"yum", "-y", "update"}}
}

// ServiceManager is the init system that supervises the application server.
type ServiceManager string

const (
	// ServiceManagerUpstart uses /etc/init job files and the service command.
	ServiceManagerUpstart ServiceManager = "upstart"

	// ServiceManagerSystemd uses unit files and systemctl.
	ServiceManagerSystemd ServiceManager = "systemd"
)

// Validate checks if the service manager is supported.
func (m ServiceManager) Validate() error {
	switch m {
	case ServiceManagerUpstart, ServiceManagerSystemd:
		return nil
	default:
		return fmt.Errorf("invalid service manager: %q", m)
	}
}

// distributions is the fixed table of known distribution identifiers,
// keyed by lower-cased lsb_release / os-release ID.
var distributions = map[string]Kind{
	"ubuntu": KindApt,
	"debian": KindApt,
	"fedora": KindYum,
}

// Table maps distribution identifiers to package-manager kinds. The zero
// value is the built-in table.
type Table struct {
	extra map[string]Kind
}

// NewTable returns the built-in table extended with explicit mappings.
func NewTable(extra map[string]Kind) (*Table, error) {
	t := &Table{extra: make(map[string]Kind, len(extra))}
	for distro, kind := range extra {
		if err := kind.Validate(); err != nil {
			return nil, fmt.Errorf("distribution %s: %w", distro, err)
		}
		t.extra[normalize(distro)] = kind
	}
	return t, nil
}

// Lookup resolves a distribution identifier. Unknown identifiers are an
// UnsupportedPlatform error; there is no fallback family.
func (t *Table) Lookup(distro string) (Kind, error) {
	key := normalize(distro)
	if t != nil {
		if kind, ok := t.extra[key]; ok {
			return kind, nil
		}
	}
	if kind, ok := distributions[key]; ok {
		return kind, nil
	}
	return "", newUnsupported(distro)
}

// Lookup resolves a distribution identifier through the built-in table.
func Lookup(distro string) (Kind, error) {
	var t *Table
	return t.Lookup(distro)
}

func normalize(distro string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(distro), `"'`))
}

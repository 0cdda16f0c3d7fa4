package fakehost

import (
	"os"
	"path"
)

// Seeding and inspection helpers. They bypass the call log.

// AddUser creates an account with a same-named primary group.
func (h *Host) AddUser(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useradd(name)
}

// AddGroup creates a regular group with the given supplementary members.
func (h *Host) AddGroup(name string, members ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.newGroup(name, false)
	for _, m := range members {
		h.groups[name][m] = true
	}
}

// AddSystemGroup creates an empty group with an ID in the distribution's
// range, like www-data.
func (h *Host) AddSystemGroup(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.newGroup(name, true)
}

// AddUserInGroup creates an account whose primary group is group.
func (h *Host) AddUserInGroup(name, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useradd(name)
	h.users[name].primary = group
	h.newGroup(group, false)
}

// InstallPackage marks a package installed along with what it provides.
func (h *Host) InstallPackage(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.installPackage(name)
}

// AddCommand puts a command on PATH.
func (h *Host) AddCommand(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands[name] = true
}

// MkdirAll creates a directory and any missing parents.
func (h *Host) MkdirAll(p, owner, group string, mode os.FileMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	for d := path.Dir(p); d != "/"; d = path.Dir(d) {
		if _, ok := h.nodes[d]; !ok {
			h.nodes[d] = &node{kind: kindDir, owner: "root", group: "root", mode: 0o755}
		}
	}
	h.nodes[p] = &node{kind: kindDir, owner: owner, group: group, mode: mode.Perm()}
}

// WriteFile creates or replaces a regular file. The parent must exist.
func (h *Host) WriteFile(p, content, owner, group string, mode os.FileMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[path.Clean(p)] = &node{kind: kindFile, owner: owner, group: group, mode: mode.Perm(), content: []byte(content)}
}

// Symlink creates link pointing at target.
func (h *Host) Symlink(target, link string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[path.Clean(link)] = &node{kind: kindLink, owner: "root", group: "root", mode: 0o777, target: target}
}

// UserExists reports whether the account exists.
func (h *Host) UserExists(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.users[name]
	return ok
}

// GroupExists reports whether the group exists.
func (h *Host) GroupExists(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.groups[name]
	return ok
}

// Exists reports whether anything, including a symlink, is at p.
func (h *Host) Exists(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.nodes[path.Clean(p)]
	return ok
}

// IsDir reports whether p is a real directory, not a symlink.
func (h *Host) IsDir(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[path.Clean(p)]
	return ok && n.kind == kindDir
}

// LinkTarget returns the target of the symlink at p.
func (h *Host) LinkTarget(p string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[path.Clean(p)]
	if !ok || n.kind != kindLink {
		return "", false
	}
	return n.target, true
}

// FileContent returns the content of the regular file at p.
func (h *Host) FileContent(p string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.lookup(p)
	if !ok || n.kind != kindFile {
		return "", false
	}
	return string(n.content), true
}

// Owner returns the owner, group and mode of p without following links.
func (h *Host) Owner(p string) (owner, group string, mode os.FileMode, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, found := h.nodes[path.Clean(p)]
	if !found {
		return "", "", 0, false
	}
	return n.owner, n.group, n.mode, true
}

// PackageInstalled reports whether the package is installed.
func (h *Host) PackageInstalled(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.packages[name]
}

// ServiceActive reports whether the service is running.
func (h *Host) ServiceActive(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.services[name]
	return ok && s.active
}

// PipInstalled reports whether pip in venv has the package.
func (h *Host) PipInstalled(venv, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pip[path.Clean(venv)][name]
}

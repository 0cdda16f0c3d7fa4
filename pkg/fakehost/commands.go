package fakehost

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

// dispatch interprets cmd against the model. The caller holds h.mu.
func (h *Host) dispatch(cmd engine.Command) (int, string, string) {
	user := h.login
	switch cmd.As.Privilege {
	case engine.PrivilegeRoot:
		user = "root"
	case engine.PrivilegeUser:
		if _, ok := h.users[cmd.As.User]; !ok {
			return 1, "", "sudo: unknown user " + cmd.As.User
		}
		user = cmd.As.User
	}

	if cmd.Dir != "" {
		if n, ok := h.lookup(cmd.Dir); !ok || n.kind != kindDir {
			return 2, "", "sh: cd: can't cd to " + cmd.Dir
		}
	}

	args := cmd.Args
	prog := args[0]
	if strings.HasSuffix(prog, "/bin/pip") {
		return h.pipCmd(strings.TrimSuffix(prog, "/bin/pip"), args[1:])
	}
	if !h.commands[prog] && prog != "command" {
		return 127, "", "sh: " + prog + ": not found"
	}

	if n, ok := minArgs[prog]; ok && len(args) < n {
		return 2, "", prog + ": missing operand"
	}

	switch prog {
	case "lsb_release":
		return 0, h.distribution, ""
	case "command":
		if len(args) == 3 && h.commands[args[2]] {
			return 0, "/usr/bin/" + args[2], ""
		}
		return 1, "", ""
	case "test":
		return h.testCmd(args[1:])
	case "id":
		return h.idCmd(args[1:])
	case "getent":
		return h.getent(args[1:])
	case "cat":
		n, ok := h.lookup(args[1])
		if !ok || n.kind != kindFile {
			return 1, "", "cat: " + args[1] + ": No such file or directory"
		}
		return 0, string(n.content), ""
	case "readlink":
		n, ok := h.nodes[path.Clean(args[1])]
		if !ok || n.kind != kindLink {
			return 1, "", ""
		}
		return 0, n.target, ""
	case "ls":
		p := args[len(args)-1]
		n, ok := h.lookup(p)
		if !ok {
			return 2, "", "ls: cannot access '" + p + "': No such file or directory"
		}
		if n.kind != kindDir {
			return 0, p, ""
		}
		return 0, strings.Join(h.children(p), "\n"), ""
	case "stat":
		p := args[len(args)-1]
		n, ok := h.nodes[path.Clean(p)]
		if !ok {
			return 1, "", "stat: cannot stat '" + p + "': No such file or directory"
		}
		if n.kind == kindLink {
			return 0, "root root 777", ""
		}
		return 0, fmt.Sprintf("%s %s %o", n.owner, n.group, n.mode.Perm()), ""
	case "sha256sum":
		n, ok := h.lookup(args[1])
		if !ok || n.kind != kindFile {
			return 1, "", "sha256sum: " + args[1] + ": No such file or directory"
		}
		return 0, digest(n.content) + "  " + args[1], ""
	case "dpkg-query":
		pkg := args[len(args)-1]
		if h.packages[pkg] {
			return 0, "install ok installed", ""
		}
		return 1, "", "dpkg-query: no packages found matching " + pkg
	case "rpm":
		pkg := args[len(args)-1]
		if h.packages[pkg] {
			return 0, pkg + "-1.0-1.x86_64", ""
		}
		return 1, "package " + pkg + " is not installed", ""
	case "apt-get", "yum":
		return h.packageCmd(args)
	case "useradd":
		return h.useradd(args[len(args)-1])
	case "groupadd":
		g := args[len(args)-1]
		if _, ok := h.groups[g]; ok {
			return 9, "", "groupadd: group '" + g + "' already exists"
		}
		h.newGroup(g, false)
		return 0, "", ""
	case "usermod":
		// usermod -a -G group user
		if len(args) != 5 {
			return 2, "", "usermod: invalid arguments"
		}
		g, u := args[3], args[4]
		if _, ok := h.users[u]; !ok {
			return 6, "", "usermod: user '" + u + "' does not exist"
		}
		members, ok := h.groups[g]
		if !ok {
			return 6, "", "usermod: group '" + g + "' does not exist"
		}
		members[u] = true
		return 0, "", ""
	case "userdel":
		return h.userdel(args[len(args)-1])
	case "groupdel":
		g := args[len(args)-1]
		if _, ok := h.groups[g]; !ok {
			return 6, "", "groupdel: group '" + g + "' does not exist"
		}
		for name, acct := range h.users {
			if acct.primary == g {
				return 8, "", "groupdel: cannot remove the primary group of user '" + name + "'"
			}
		}
		delete(h.groups, g)
		delete(h.gids, g)
		return 0, "", ""
	case "mkdir":
		return h.mkdir(args[1:], user)
	case "chown":
		return h.chown(args[1], args[2])
	case "chmod":
		n, ok := h.lookup(args[2])
		if !ok {
			return 1, "", "chmod: cannot access '" + args[2] + "'"
		}
		m, err := strconv.ParseUint(args[1], 8, 32)
		if err != nil {
			return 1, "", "chmod: invalid mode: " + args[1]
		}
		n.mode = modeOf(m)
		return 0, "", ""
	case "ln":
		// ln -s target link
		target, link := args[2], path.Clean(args[3])
		if _, ok := h.nodes[link]; ok {
			return 1, "", "ln: failed to create symbolic link '" + link + "': File exists"
		}
		if p, ok := h.lookup(path.Dir(link)); !ok || p.kind != kindDir {
			return 1, "", "ln: failed to create symbolic link '" + link + "': No such file or directory"
		}
		h.nodes[link] = &node{kind: kindLink, owner: "root", group: "root", mode: 0o777, target: target}
		return 0, "", ""
	case "rm":
		return h.rm(args[1:])
	case "git", "hg":
		return h.clone(cmd, user)
	case "virtualenv":
		return h.virtualenv(cmd.Dir, user)
	case "nginx":
		return 0, "", "nginx: configuration file /etc/nginx/nginx.conf test is successful"
	case "service":
		return h.serviceCmd(args[1], args[2])
	case "systemctl":
		return h.systemctl(args[1:])
	}
	return 0, "", ""
}

var minArgs = map[string]int{
	"cat": 2, "readlink": 2, "ls": 2, "stat": 2, "sha256sum": 2, "dpkg-query": 2, "rpm": 2,
	"useradd": 2, "groupadd": 2, "userdel": 2, "groupdel": 2, "id": 3, "mkdir": 2,
	"chown": 3, "chmod": 3, "ln": 4, "service": 3, "systemctl": 2,
}

func modeOf(m uint64) os.FileMode {
	return os.FileMode(m).Perm()
}

func (h *Host) testCmd(expr []string) (int, string, string) {
	// flag path [-o flag path]...
	for len(expr) >= 2 {
		if h.testOne(expr[0], expr[1]) {
			return 0, "", ""
		}
		expr = expr[2:]
		if len(expr) > 0 && expr[0] == "-o" {
			expr = expr[1:]
		}
	}
	return 1, "", ""
}

func (h *Host) testOne(flag, p string) bool {
	switch flag {
	case "-L":
		n, ok := h.nodes[path.Clean(p)]
		return ok && n.kind == kindLink
	case "-e":
		_, ok := h.lookup(p)
		return ok
	case "-d":
		n, ok := h.lookup(p)
		return ok && n.kind == kindDir
	case "-f":
		n, ok := h.lookup(p)
		return ok && n.kind == kindFile
	}
	return false
}

func (h *Host) idCmd(args []string) (int, string, string) {
	name := args[len(args)-1]
	acct, ok := h.users[name]
	if !ok {
		return 1, "", "id: '" + name + "': no such user"
	}
	if args[0] == "-u" {
		return 0, strconv.Itoa(acct.uid), ""
	}
	groups := []string{acct.primary}
	var extra []string
	for g, members := range h.groups {
		if members[name] && g != acct.primary {
			extra = append(extra, g)
		}
	}
	sort.Strings(extra)
	return 0, strings.Join(append(groups, extra...), " "), ""
}

func (h *Host) useradd(name string) (int, string, string) {
	if _, ok := h.users[name]; ok {
		return 9, "", "useradd: user '" + name + "' already exists"
	}
	h.newGroup(name, false)
	home := "/home/" + name
	h.users[name] = &account{uid: h.nextUID, primary: name, home: home}
	h.nextUID++
	h.nodes[home] = &node{kind: kindDir, owner: name, group: name, mode: 0o755}
	return 0, "", ""
}

func (h *Host) userdel(name string) (int, string, string) {
	acct, ok := h.users[name]
	if !ok {
		return 6, "", "userdel: user '" + name + "' does not exist"
	}
	delete(h.users, name)
	h.removeTree(acct.home)
	for _, members := range h.groups {
		delete(members, name)
	}
	if members, ok := h.groups[acct.primary]; ok && acct.primary == name && len(members) == 0 && !h.isPrimary(name) {
		delete(h.groups, name)
		delete(h.gids, name)
	}
	return 0, "", ""
}

// newGroup registers an empty group. System groups get IDs below 1000.
func (h *Host) newGroup(name string, system bool) {
	if _, ok := h.groups[name]; ok {
		return
	}
	h.groups[name] = map[string]bool{}
	if system {
		h.gids[name] = h.nextSGID
		h.nextSGID++
		return
	}
	h.gids[name] = h.nextGID
	h.nextGID++
}

func (h *Host) isPrimary(group string) bool {
	for _, acct := range h.users {
		if acct.primary == group {
			return true
		}
	}
	return false
}

func (h *Host) getent(args []string) (int, string, string) {
	switch {
	case len(args) == 2 && args[0] == "group":
		members, ok := h.groups[args[1]]
		if !ok {
			return 2, "", ""
		}
		names := make([]string, 0, len(members))
		for m := range members {
			names = append(names, m)
		}
		sort.Strings(names)
		return 0, fmt.Sprintf("%s:x:%d:%s", args[1], h.gids[args[1]], strings.Join(names, ",")), ""
	case len(args) == 1 && args[0] == "passwd":
		names := make([]string, 0, len(h.users))
		for name := range h.users {
			names = append(names, name)
		}
		sort.Strings(names)
		lines := make([]string, 0, len(names))
		for _, name := range names {
			acct := h.users[name]
			lines = append(lines, fmt.Sprintf("%s:x:%d:%d::%s:/bin/sh", name, acct.uid, h.gids[acct.primary], acct.home))
		}
		return 0, strings.Join(lines, "\n") + "\n", ""
	}
	return 2, "", ""
}

// writable reports whether user may create entries in the directory n.
func (h *Host) writable(n *node, user string) bool {
	switch {
	case user == "root":
		return true
	case n.owner == user:
		return n.mode&0o200 != 0
	case h.users[user].primary == n.group || h.groups[n.group][user]:
		return n.mode&0o020 != 0
	}
	return n.mode&0o002 != 0
}

func (h *Host) mkdir(args []string, user string) (int, string, string) {
	parents := false
	var target string
	for _, a := range args {
		switch a {
		case "-p":
			parents = true
		case "--":
		default:
			target = path.Clean(a)
		}
	}
	if n, ok := h.lookup(target); ok {
		if parents && n.kind == kindDir {
			return 0, "", ""
		}
		return 1, "", "mkdir: cannot create directory '" + target + "': File exists"
	}

	var missing []string
	for p := target; p != "/"; p = path.Dir(p) {
		n, ok := h.lookup(p)
		if ok {
			if n.kind != kindDir {
				return 1, "", "mkdir: cannot create directory '" + target + "': Not a directory"
			}
			break
		}
		missing = append(missing, p)
	}
	if len(missing) > 1 && !parents {
		return 1, "", "mkdir: cannot create directory '" + target + "': No such file or directory"
	}
	group := h.users[user].primary
	for i := len(missing) - 1; i >= 0; i-- {
		h.nodes[missing[i]] = &node{kind: kindDir, owner: user, group: group, mode: 0o755}
	}
	return 0, "", ""
}

func (h *Host) chown(spec, p string) (int, string, string) {
	n, ok := h.lookup(p)
	if !ok {
		return 1, "", "chown: cannot access '" + p + "': No such file or directory"
	}
	owner, group, _ := strings.Cut(spec, ":")
	if owner != "" {
		if _, ok := h.users[owner]; !ok {
			return 1, "", "chown: invalid user: '" + spec + "'"
		}
	}
	if group != "" {
		if _, ok := h.groups[group]; !ok {
			return 1, "", "chown: invalid group: '" + spec + "'"
		}
	}
	if owner != "" {
		n.owner = owner
	}
	if group != "" {
		n.group = group
	}
	return 0, "", ""
}

func (h *Host) rm(args []string) (int, string, string) {
	recursive := false
	var targets []string
	for _, a := range args {
		switch {
		case a == "--":
		case strings.HasPrefix(a, "-"):
			recursive = recursive || strings.Contains(a, "r")
		default:
			targets = append(targets, path.Clean(a))
		}
	}
	for _, t := range targets {
		n, ok := h.nodes[t]
		if !ok {
			continue
		}
		if n.kind == kindDir && !recursive {
			return 1, "", "rm: cannot remove '" + t + "': Is a directory"
		}
		h.removeTree(t)
	}
	return 0, "", ""
}

func (h *Host) packageCmd(args []string) (int, string, string) {
	var pkg string
	install := false
	for _, a := range args[1:] {
		switch {
		case a == "install":
			install = true
		case strings.HasPrefix(a, "-"), a == "update", a == "upgrade":
		default:
			pkg = a
		}
	}
	if !install {
		return 0, "", ""
	}
	if h.unavailable[pkg] {
		if args[0] == "apt-get" {
			return 100, "", "E: Unable to locate package " + pkg
		}
		return 1, "", "No package " + pkg + " available."
	}
	h.installPackage(pkg)
	return 0, "", ""
}

func (h *Host) installPackage(pkg string) {
	h.packages[pkg] = true
	spec := catalog[pkg]
	for _, c := range spec.commands {
		h.commands[c] = true
	}
	for _, d := range spec.dirs {
		if _, ok := h.nodes[d]; !ok {
			h.nodes[d] = &node{kind: kindDir, owner: "root", group: "root", mode: 0o755}
		}
	}
	if spec.service != "" {
		h.services[spec.service] = &service{active: true, sysv: true}
	}
}

func (h *Host) clone(cmd engine.Command, user string) (int, string, string) {
	// git clone -q URL .
	if len(cmd.Args) < 4 || cmd.Args[1] != "clone" {
		return 0, "", ""
	}
	url := cmd.Args[len(cmd.Args)-2]
	dest := cmd.Args[len(cmd.Args)-1]
	if !path.IsAbs(dest) {
		dest = path.Join(cmd.Dir, dest)
	}
	dest = path.Clean(dest)

	files, ok := h.repositories[url]
	if !ok {
		return 128, "", "fatal: repository '" + url + "' not found"
	}
	n, ok := h.lookup(dest)
	if !ok || n.kind != kindDir {
		return 128, "", "fatal: could not create work tree dir '" + dest + "'"
	}
	if len(h.children(dest)) > 0 {
		return 128, "", "fatal: destination path '" + dest + "' already exists and is not an empty directory"
	}
	if !h.writable(n, user) {
		return 128, "", "fatal: could not create work tree dir '" + dest + "': Permission denied"
	}

	group := h.users[user].primary
	meta := path.Join(dest, "."+cmd.Args[0])
	h.nodes[meta] = &node{kind: kindDir, owner: user, group: group, mode: 0o755}
	for rel, content := range files {
		p := path.Join(dest, rel)
		for d := path.Dir(p); d != dest; d = path.Dir(d) {
			if _, ok := h.nodes[d]; !ok {
				h.nodes[d] = &node{kind: kindDir, owner: user, group: group, mode: 0o755}
			}
		}
		h.nodes[p] = &node{kind: kindFile, owner: user, group: group, mode: 0o644, content: []byte(content)}
	}
	return 0, "", ""
}

func (h *Host) virtualenv(dir, user string) (int, string, string) {
	if dir == "" {
		return 2, "", "virtualenv: missing destination"
	}
	group := h.users[user].primary
	bin := path.Join(dir, "bin")
	h.nodes[bin] = &node{kind: kindDir, owner: user, group: group, mode: 0o755}
	for _, f := range []string{"activate", "pip", "python"} {
		h.nodes[path.Join(bin, f)] = &node{kind: kindFile, owner: user, group: group, mode: 0o755, content: []byte("#!" + f + "\n")}
	}
	h.pip[path.Clean(dir)] = map[string]bool{}
	return 0, "New python executable in " + bin + "/python", ""
}

func (h *Host) pipCmd(venv string, args []string) (int, string, string) {
	if _, ok := h.lookup(path.Join(venv, "bin", "activate")); !ok {
		return 127, "", "sh: " + venv + "/bin/pip: not found"
	}
	installed := h.pip[path.Clean(venv)]
	if installed == nil {
		installed = map[string]bool{}
		h.pip[path.Clean(venv)] = installed
	}
	if len(args) == 0 {
		return 1, "", "pip: no command"
	}

	var names []string
	var reqFile string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-q":
		case "-r":
			if i+1 < len(args) {
				reqFile = args[i+1]
				i++
			}
		default:
			names = append(names, args[i])
		}
	}

	switch args[0] {
	case "show":
		for _, n := range names {
			if !installed[strings.ToLower(n)] {
				return 1, "", "WARNING: Package(s) not found: " + n
			}
		}
		return 0, "", ""
	case "install":
		if reqFile != "" {
			n, ok := h.lookup(reqFile)
			if !ok || n.kind != kindFile {
				return 1, "", "Could not open requirements file: " + reqFile
			}
			names = append(names, parseRequirements(string(n.content))...)
		}
		for _, n := range names {
			installed[strings.ToLower(n)] = true
		}
		return 0, "", ""
	}
	return 1, "", "pip: unknown command " + args[0]
}

func parseRequirements(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		name := strings.FieldsFunc(line, func(r rune) bool {
			return r == '=' || r == '<' || r == '>' || r == '!' || r == '~' || r == '['
		})
		if len(name) > 0 {
			out = append(out, strings.TrimSpace(name[0]))
		}
	}
	return out
}

// known reports whether a service has a package init script or a job or unit file.
func (h *Host) known(name string) bool {
	if _, ok := h.services[name]; ok {
		return true
	}
	if _, ok := h.lookup("/etc/init/" + name + ".conf"); ok {
		return true
	}
	_, ok := h.lookup("/etc/systemd/system/" + name + ".service")
	return ok
}

func (h *Host) svc(name string) *service {
	s, ok := h.services[name]
	if !ok {
		s = &service{}
		h.services[name] = s
	}
	return s
}

func (h *Host) serviceCmd(name, action string) (int, string, string) {
	if !h.known(name) {
		return 1, "", action + ": Unknown job: " + name
	}
	s := h.svc(name)
	switch action {
	case "status":
		if s.sysv {
			if s.active {
				return 0, " * " + name + " is running", ""
			}
			return 3, " * " + name + " is not running", ""
		}
		if s.active {
			return 0, name + " start/running, process 4242", ""
		}
		return 0, name + " stop/waiting", ""
	case "start":
		if s.active {
			return 1, "", "start: Job is already running: " + name
		}
		s.active = true
	case "stop":
		if !s.active {
			return 1, "", "stop: Unknown instance:"
		}
		s.active = false
	case "reload":
		if !s.active {
			return 1, "", "reload: Unknown instance:"
		}
	}
	return 0, "", ""
}

func (h *Host) systemctl(args []string) (int, string, string) {
	var verb, name string
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "-"):
		case verb == "":
			verb = a
		default:
			name = a
		}
	}
	switch verb {
	case "daemon-reload":
		return 0, "", ""
	case "is-active":
		if s, ok := h.services[name]; ok && s.active {
			return 0, "", ""
		}
		return 3, "", ""
	}
	if !h.known(name) {
		return 5, "", "Unit " + name + ".service not found."
	}
	s := h.svc(name)
	switch verb {
	case "enable", "start":
		s.active = true
	case "disable", "stop":
		s.active = false
	case "reload":
		if !s.active {
			return 1, "", "Job for " + name + ".service failed."
		}
	}
	return 0, "", ""
}

// Package fakehost provides an in-memory simulated Linux host implementing
// engine.Host. It interprets the commands the provisioner issues, keeps a
// model of accounts, files, packages and services, and records every call
// so tests can assert which mutating commands were sent.
package fakehost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

// CallKind distinguishes the three collaborator operations.
type CallKind string

const (
	CallExec       CallKind = "exec"
	CallUpload     CallKind = "upload"
	CallSubstitute CallKind = "substitute"
)

// Call is one recorded interaction with the host.
type Call struct {
	Kind     CallKind
	Command  engine.Command
	Path     string
	Mutating bool
	ExitCode int
}

func (c Call) String() string {
	switch c.Kind {
	case CallUpload:
		return "upload " + c.Path
	case CallSubstitute:
		return "substitute " + c.Path
	default:
		return c.Command.String()
	}
}

type nodeKind int

const (
	kindDir nodeKind = iota
	kindFile
	kindLink
)

type node struct {
	kind    nodeKind
	owner   string
	group   string
	mode    os.FileMode
	content []byte
	target  string
}

type account struct {
	uid     int
	primary string
	home    string
}

type service struct {
	active bool
	// sysv is true for package-provided init scripts, which report status
	// differently from upstart jobs.
	sysv bool
}

type failure struct {
	match    string
	exitCode int
	stderr   string
}

type packageSpec struct {
	commands []string
	dirs     []string
	service  string
}

// catalog lists what installing a package adds to the host.
var catalog = map[string]packageSpec{
	"git":               {commands: []string{"git"}},
	"mercurial":         {commands: []string{"hg"}},
	"python2.7":         {commands: []string{"python2.7"}},
	"python-virtualenv": {commands: []string{"virtualenv"}},
	"virtualenv":        {commands: []string{"virtualenv"}},
	"nginx": {
		commands: []string{"nginx"},
		dirs:     []string{"/etc/nginx", "/etc/nginx/sites-available", "/etc/nginx/sites-enabled", "/etc/nginx/conf.d"},
		service:  "nginx",
	},
}

var _ engine.Host = (*Host)(nil)

// Host is a simulated host. The zero value is not usable; call New.
type Host struct {
	mu sync.Mutex

	login        string
	distribution string
	repositories map[string]map[string]string
	unavailable  map[string]bool

	users    map[string]*account
	groups   map[string]map[string]bool
	gids     map[string]int
	nextUID  int
	nextGID  int
	nextSGID int
	nodes    map[string]*node
	packages map[string]bool
	commands map[string]bool
	pip      map[string]map[string]bool
	services map[string]*service

	failures       []failure
	transportFails []string
	uploadFails    map[string]bool
	substFails     map[string]bool

	calls []Call
}

// Option configures a Host.
type Option func(*Host)

// WithDistribution sets what lsb_release -si prints. An empty value makes
// lsb_release unavailable.
func WithDistribution(distro string) Option {
	return func(h *Host) { h.distribution = distro }
}

// WithOSRelease writes /etc/os-release with the given ID.
func WithOSRelease(id string) Option {
	return func(h *Host) {
		h.nodes["/etc/os-release"] = &node{
			kind: kindFile, owner: "root", group: "root", mode: 0o644,
			content: []byte("NAME=\"" + id + "\"\nID=" + id + "\n"),
		}
	}
}

// WithLoginUser sets the account the connection is logged in as.
func WithLoginUser(name string) Option {
	return func(h *Host) { h.login = name }
}

// WithRepository registers a remote repository and the files a clone produces.
func WithRepository(url string, files map[string]string) Option {
	return func(h *Host) { h.repositories[url] = files }
}

// WithUnavailablePackage makes installing pkg fail as if no mirror had it.
func WithUnavailablePackage(pkg string) Option {
	return func(h *Host) { h.unavailable[pkg] = true }
}

// New creates a fresh host running Ubuntu with a "deploy" login account.
func New(opts ...Option) *Host {
	h := &Host{
		login:        "deploy",
		distribution: "Ubuntu",
		repositories: make(map[string]map[string]string),
		unavailable:  make(map[string]bool),
		users:        make(map[string]*account),
		groups:       make(map[string]map[string]bool),
		gids:         make(map[string]int),
		nextUID:      1000,
		nextGID:      1000,
		nextSGID:     100,
		nodes:        make(map[string]*node),
		packages:     make(map[string]bool),
		commands:     make(map[string]bool),
		pip:          make(map[string]map[string]bool),
		services:     make(map[string]*service),
		uploadFails:  make(map[string]bool),
		substFails:   make(map[string]bool),
	}
	for _, d := range []string{"/", "/etc", "/etc/init", "/etc/systemd", "/etc/systemd/system",
		"/home", "/tmp", "/usr", "/usr/bin", "/var", "/var/log"} {
		h.nodes[d] = &node{kind: kindDir, owner: "root", group: "root", mode: 0o755}
	}
	h.users["root"] = &account{uid: 0, primary: "root", home: "/root"}
	h.groups["root"] = map[string]bool{}
	h.gids["root"] = 0
	for _, c := range []string{"sh", "test", "id", "getent", "cat", "ls", "stat", "readlink",
		"sha256sum", "mkdir", "chown", "chmod", "ln", "rm", "useradd", "usermod", "userdel",
		"groupadd", "groupdel", "sed", "install", "service", "systemctl", "apt-get", "dpkg-query",
		"yum", "rpm"} {
		h.commands[c] = true
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.distribution != "" {
		h.commands["lsb_release"] = true
	}
	if _, ok := h.users[h.login]; !ok {
		h.useradd(h.login)
	}
	return h
}

// Fail makes every command whose rendered argv contains match exit with
// the given code and stderr.
func (h *Host) Fail(match string, exitCode int, stderr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failure{match: match, exitCode: exitCode, stderr: stderr})
}

// BreakTransport makes every command whose rendered argv contains match
// fail at the transport level.
func (h *Host) BreakTransport(match string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transportFails = append(h.transportFails, match)
}

// FailUpload makes uploads to dest fail.
func (h *Host) FailUpload(dest string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploadFails[dest] = true
}

// FailSubstitute makes substitutions in path fail.
func (h *Host) FailSubstitute(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.substFails[path] = true
}

// ClearFailures removes every injected failure.
func (h *Host) ClearFailures() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = nil
	h.transportFails = nil
	h.uploadFails = make(map[string]bool)
	h.substFails = make(map[string]bool)
}

// Calls returns every recorded call in order.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// MutatingCalls returns the recorded calls that could change host state.
func (h *Host) MutatingCalls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Call
	for _, c := range h.calls {
		if c.Mutating {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log but keeps host state.
func (h *Host) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// Execute implements engine.Executor.
func (h *Host) Execute(ctx context.Context, cmd engine.Command) (*engine.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(cmd.Args) == 0 {
		return nil, errors.New("empty command")
	}
	if err := cmd.As.Validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rendered := strings.Join(cmd.Args, " ")
	call := Call{Kind: CallExec, Command: cmd, Mutating: IsMutating(cmd)}

	for _, m := range h.transportFails {
		if strings.Contains(rendered, m) {
			call.ExitCode = -1
			h.calls = append(h.calls, call)
			return nil, fmt.Errorf("transport: connection reset while running %q", rendered)
		}
	}

	res := &engine.Result{}
	injected := false
	for _, f := range h.failures {
		if strings.Contains(rendered, f.match) {
			res.ExitCode, res.Stderr = f.exitCode, f.stderr
			injected = true
			break
		}
	}
	if !injected {
		res.ExitCode, res.Stdout, res.Stderr = h.dispatch(cmd)
	}

	call.ExitCode = res.ExitCode
	h.calls = append(h.calls, call)

	if res.ExitCode != 0 && !cmd.Tolerant {
		return res, engine.NewRemoteExecutionError(cmd.String(), res.ExitCode, res.Stderr)
	}
	return res, nil
}

// Upload implements engine.Transferer.
func (h *Host) Upload(ctx context.Context, a engine.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, Call{Kind: CallUpload, Path: a.Destination, Mutating: true})

	if h.uploadFails[a.Destination] {
		return fmt.Errorf("upload %s: injected failure", a.Destination)
	}
	dest := path.Clean(a.Destination)
	if p, ok := h.nodes[path.Dir(dest)]; !ok || p.kind != kindDir {
		return fmt.Errorf("upload %s: no such directory", a.Destination)
	}
	if n, ok := h.nodes[dest]; ok && n.kind == kindDir {
		return fmt.Errorf("upload %s: is a directory", a.Destination)
	}
	owner := h.login
	if a.Elevated {
		owner = "root"
	}
	mode := a.Mode
	if mode == 0 {
		mode = 0o644
	}
	h.nodes[dest] = &node{
		kind:    kindFile,
		owner:   owner,
		group:   h.users[owner].primary,
		mode:    mode.Perm(),
		content: append([]byte(nil), a.Content...),
	}
	return nil
}

// Substitute implements engine.Substituter.
func (h *Host) Substitute(ctx context.Context, p, token, value string, elevated bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, Call{Kind: CallSubstitute, Path: p, Mutating: true})

	if h.substFails[p] {
		return engine.NewRemoteExecutionError("sed -i "+p, 4, "sed: couldn't edit "+p+": injected failure")
	}
	n, ok := h.lookup(p)
	if !ok || n.kind != kindFile {
		return engine.NewRemoteExecutionError("sed -i "+p, 2, "sed: can't read "+p+": No such file or directory")
	}
	n.content = []byte(strings.ReplaceAll(string(n.content), token, value))
	return nil
}

// readOnly lists programs that never change state.
var readOnly = map[string]bool{
	"test": true, "id": true, "getent": true, "command": true, "dpkg-query": true,
	"rpm": true, "lsb_release": true, "cat": true, "stat": true, "readlink": true,
	"ls": true, "sha256sum": true, "true": true,
}

// IsMutating classifies a command as write-class.
func IsMutating(cmd engine.Command) bool {
	if len(cmd.Args) == 0 {
		return false
	}
	prog := cmd.Args[0]
	if readOnly[prog] {
		return false
	}
	switch {
	case prog == "nginx" && len(cmd.Args) > 1 && cmd.Args[1] == "-t":
		return false
	case prog == "service" && len(cmd.Args) > 2 && cmd.Args[2] == "status":
		return false
	case prog == "systemctl" && len(cmd.Args) > 1 && (cmd.Args[1] == "is-active" || cmd.Args[1] == "is-enabled"):
		return false
	case strings.HasSuffix(prog, "/bin/pip") && len(cmd.Args) > 1 && cmd.Args[1] == "show":
		return false
	}
	return true
}

// lookup resolves p, following symlinks.
func (h *Host) lookup(p string) (*node, bool) {
	p = path.Clean(p)
	for i := 0; i < 16; i++ {
		n, ok := h.nodes[p]
		if !ok {
			return nil, false
		}
		if n.kind != kindLink {
			return n, true
		}
		t := n.target
		if !path.IsAbs(t) {
			t = path.Join(path.Dir(p), t)
		}
		p = path.Clean(t)
	}
	return nil, false
}

func (h *Host) children(dir string) []string {
	dir = path.Clean(dir)
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	var names []string
	for p := range h.nodes {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names
}

func (h *Host) removeTree(p string) {
	p = path.Clean(p)
	delete(h.nodes, p)
	for k := range h.nodes {
		if strings.HasPrefix(k, p+"/") {
			delete(h.nodes, k)
		}
	}
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

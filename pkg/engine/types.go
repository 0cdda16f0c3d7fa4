package engine

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Privilege selects how a command is elevated on the remote host.
type Privilege string

const (
	// PrivilegeLogin runs the command as the user the connection logged in as.
	PrivilegeLogin Privilege = "login"

	// PrivilegeRoot runs the command as root.
	PrivilegeRoot Privilege = "root"

	// PrivilegeUser runs the command as a named account.
	PrivilegeUser Privilege = "user"
)

// RunAs is the identity a single command executes under. There is no
// ambient elevation: every Command carries one.
type RunAs struct {
	Privilege Privilege
	User      string
}

// AsLogin runs as the connecting user.
func AsLogin() RunAs { return RunAs{Privilege: PrivilegeLogin} }

// AsRoot runs elevated.
func AsRoot() RunAs { return RunAs{Privilege: PrivilegeRoot} }

// AsUser runs as the named account.
func AsUser(name string) RunAs { return RunAs{Privilege: PrivilegeUser, User: name} }

// Elevated reports whether the identity requires privilege escalation.
func (r RunAs) Elevated() bool {
	return r.Privilege == PrivilegeRoot || r.Privilege == PrivilegeUser
}

// Validate checks the identity is complete.
func (r RunAs) Validate() error {
	switch r.Privilege {
	case PrivilegeLogin, PrivilegeRoot:
		return nil
	case PrivilegeUser:
		if r.User == "" {
			return fmt.Errorf("run-as user is required")
		}
		return nil
	default:
		return fmt.Errorf("invalid privilege: %q", r.Privilege)
	}
}

func (r RunAs) String() string {
	if r.Privilege == PrivilegeUser {
		return "user:" + r.User
	}
	return string(r.Privilege)
}

// Command is a single remote invocation. Args are passed as an argument
// vector; the transport is responsible for quoting.
type Command struct {
	// Args is the argument vector, Args[0] is the program.
	Args []string

	// As is the identity the command runs under.
	As RunAs

	// Dir is the working directory; empty means the identity's default.
	Dir string

	// Tolerant returns non-zero exits as a Result instead of an error.
	Tolerant bool

	// Timeout overrides the executor's default per-command timeout.
	Timeout time.Duration
}

// Cmd builds a command running under the given identity.
func Cmd(as RunAs, args ...string) Command {
	return Command{Args: args, As: as}
}

// In returns a copy of the command running in dir.
func (c Command) In(dir string) Command {
	c.Dir = dir
	return c
}

// Tolerating returns a copy of the command that does not raise on non-zero exit.
func (c Command) Tolerating() Command {
	c.Tolerant = true
	return c
}

// WithTimeout returns a copy of the command with its own timeout.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

// Program returns the executable name.
func (c Command) Program() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// String renders the command for logs. It is not shell-safe.
func (c Command) String() string {
	s := strings.Join(c.Args, " ")
	if c.Dir != "" {
		s = "cd " + c.Dir + " && " + s
	}
	return "[" + c.As.String() + "] " + s
}

// Result is the outcome of a remote command.
type Result struct {
	// ExitCode is the command's exit status.
	ExitCode int

	// Stdout is the trimmed standard output.
	Stdout string

	// Stderr is the trimmed standard error.
	Stderr string

	// Duration is the wall time of the command.
	Duration time.Duration
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Artifact is a file placed on the remote host.
type Artifact struct {
	// Name identifies the artifact in logs, e.g. "gunicorn-launcher.sh".
	Name string

	// Content is the file body.
	Content []byte

	// Destination is the absolute remote path.
	Destination string

	// Mode is the file permission bits.
	Mode os.FileMode

	// Elevated writes the destination as root.
	Elevated bool
}

// Change records one mutation performed by an ensurer.
type Change struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

func (c Change) String() string {
	return c.Resource + " " + c.Action
}

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

// Execute implements engine.Executor. The command runs in its own session
// under the identity it names and is bounded by its timeout, or the
// configured default. On timeout the remote process gets SIGTERM and,
// after the kill grace period, SIGKILL.
func (c *SSHClient) Execute(ctx context.Context, cmd engine.Command) (*engine.Result, error) {
	if len(cmd.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if err := cmd.As.Validate(); err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = c.config.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	sudoPassword := ""
	if cmd.As.Elevated() {
		sudoPassword = c.config.SudoPassword
	}
	if sudoPassword != "" {
		session.Stdin = strings.NewReader(sudoPassword + "\n")
	}
	line := RenderCommand(cmd, sudoPassword != "")

	log.Debug().
		Str("command", cmd.String()).
		Dur("timeout", timeout).
		Msg("executing command")

	start := time.Now()
	if err := session.Start(line); err != nil {
		return nil, &TransportError{Op: "execute", Err: err, IsTemporary: true}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var execErr error
	select {
	case execErr = <-done:
	case <-ctx.Done():
		execErr = c.terminate(session, done)
		duration := time.Since(start)
		log.Warn().
			Str("command", cmd.String()).
			Dur("duration", duration).
			Msg("command cut off")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, engine.NewCommandTimeoutError(cmd.String(), ctx.Err())
		}
		return nil, &TransportError{Op: "execute", Err: errors.Join(ctx.Err(), execErr)}
	}

	res := &engine.Result{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("command", cmd.String()).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(execErr, &exitErr) {
			// the connection dropped or the server never reported a status
			return nil, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
		}
		res.ExitCode = exitErr.ExitStatus()
		if !cmd.Tolerant {
			return res, engine.NewRemoteExecutionError(cmd.String(), res.ExitCode, res.Stderr)
		}
	}

	return res, nil
}

// terminate stops a running session: SIGTERM, then SIGKILL once the grace
// period passes, then closing the channel.
func (c *SSHClient) terminate(session *ssh.Session, done <-chan error) error {
	_ = session.Signal(ssh.SIGTERM)

	grace := c.config.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
	}

	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()
	return <-done
}

// RenderCommand turns cmd into the remote command line. Arguments are
// single-quoted; a working directory or a change of identity wraps the
// command in sh -c, and elevation goes through sudo. With a sudo password
// the password is expected on stdin, otherwise sudo must not prompt.
func RenderCommand(cmd engine.Command, sudoPassword bool) string {
	quoted := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		quoted[i] = ShellQuote(a)
	}
	line := strings.Join(quoted, " ")
	if cmd.Dir != "" {
		line = "cd " + ShellQuote(cmd.Dir) + " && " + line
	}

	if !cmd.As.Elevated() {
		if cmd.Dir != "" {
			return "sh -c " + ShellQuote(line)
		}
		return line
	}

	sudo := "sudo -n"
	if sudoPassword {
		sudo = "sudo -S -p ''"
	}
	if cmd.As.Privilege == engine.PrivilegeUser {
		sudo += " -H -u " + ShellQuote(cmd.As.User)
	}
	return sudo + " sh -c " + ShellQuote(line)
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}

// Package verify runs post-install verification scripts written in Starlark.
//
// A script sees the deployment facts as the predeclared dict `config` and
// can query the host through three builtins:
//
//	run(*args, user=None, sudo=False, check=True)  -> struct(exit_code, stdout, stderr)
//	check(condition, message)                      records a failed expectation
//	print(...)                                     logs at info level
//
// run() raises when check is true and the command exits non-zero. A script
// passes when it completes without error and no check() failed.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

// ErrVerificationFailed is wrapped by Verify when a check() failed.
var ErrVerificationFailed = errors.New("verification failed")

// Result describes one script evaluation.
type Result struct {
	// Commands is the number of run() calls issued.
	Commands int

	// Failures holds the message of every failed check().
	Failures []string

	// Output holds the script's public globals.
	Output map[string]interface{}

	ExecutionTime time.Duration
}

// Verifier evaluates one script against a host.
type Verifier struct {
	exec     engine.Executor
	filename string
	script   string
	timeout  time.Duration
}

// New creates a verifier for script. filename is used in error positions.
func New(exec engine.Executor, filename, script string, timeout time.Duration) *Verifier {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Verifier{exec: exec, filename: filename, script: script, timeout: timeout}
}

// Load reads a script from disk.
func Load(exec engine.Executor, path string, timeout time.Duration) (*Verifier, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verify script: %w", err)
	}
	return New(exec, filepath.Base(path), string(content), timeout), nil
}

// Verify runs the script and returns an error unless it passed.
func (v *Verifier) Verify(ctx context.Context, facts map[string]interface{}) error {
	res, err := v.Evaluate(ctx, facts)
	if err != nil {
		return err
	}
	if len(res.Failures) > 0 {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(res.Failures, "; "))
	}
	log.Info().
		Str("script", v.filename).
		Int("commands", res.Commands).
		Dur("duration", res.ExecutionTime).
		Msg("Verification passed")
	return nil
}

// Evaluate executes the script with the given facts.
func (v *Verifier) Evaluate(ctx context.Context, facts map[string]interface{}) (*Result, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	res := &Result{}
	thread := &starlark.Thread{
		Name: "verify",
		Print: func(_ *starlark.Thread, msg string) {
			log.Info().Str("script", v.filename).Msg(msg)
		},
	}

	configVal, err := toStarlarkValue(facts)
	if err != nil {
		return nil, fmt.Errorf("failed to convert facts: %w", err)
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"config": configVal,
		"run":    starlark.NewBuiltin("run", v.runBuiltin(evalCtx, res)),
		"check":  starlark.NewBuiltin("check", checkBuiltin(res)),
	}

	type evalResult struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan evalResult, 1)

	go func() {
		globals, err := starlark.ExecFile(thread, v.filename, v.script, predeclared)
		done <- evalResult{globals, err}
	}()

	var out evalResult
	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		out = <-done
		if out.err == nil {
			out.err = evalCtx.Err()
		}
		res.ExecutionTime = time.Since(startTime)
		return res, fmt.Errorf("verify script %s: execution timeout after %v: %w", v.filename, v.timeout, out.err)
	case out = <-done:
	}
	res.ExecutionTime = time.Since(startTime)

	if out.err != nil {
		var evalErr *starlark.EvalError
		if errors.As(out.err, &evalErr) {
			return res, fmt.Errorf("verify script %s: %s", v.filename, evalErr.Backtrace())
		}
		return res, fmt.Errorf("verify script %s: %w", v.filename, out.err)
	}

	res.Output = make(map[string]interface{})
	for name, val := range out.globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			continue
		}
		res.Output[name] = goVal
	}

	return res, nil
}

// runBuiltin implements run(*args, user=None, sudo=False, check=True).
func (v *Verifier) runBuiltin(ctx context.Context, res *Result) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("%s: missing command", b.Name())
		}
		argv := make([]string, len(args))
		for i, a := range args {
			s, ok := starlark.AsString(a)
			if !ok {
				return nil, fmt.Errorf("%s: argument %d must be a string, got %s", b.Name(), i, a.Type())
			}
			argv[i] = s
		}

		var user starlark.Value = starlark.None
		sudo, check := false, true
		if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "user?", &user, "sudo?", &sudo, "check?", &check); err != nil {
			return nil, err
		}

		as := engine.AsLogin()
		switch {
		case sudo:
			as = engine.AsRoot()
		case user != starlark.None:
			name, ok := starlark.AsString(user)
			if !ok || name == "" {
				return nil, fmt.Errorf("%s: user must be a non-empty string", b.Name())
			}
			as = engine.AsUser(name)
			if name == "root" {
				as = engine.AsRoot()
			}
		}

		cmd := engine.Cmd(as, argv...).Tolerating()
		res.Commands++
		result, err := v.exec.Execute(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if check && !result.Success() {
			return nil, fmt.Errorf("%s: %s exited %d: %s", b.Name(), strings.Join(argv, " "), result.ExitCode, result.Stderr)
		}

		return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"exit_code": starlark.MakeInt(result.ExitCode),
			"stdout":    starlark.String(result.Stdout),
			"stderr":    starlark.String(result.Stderr),
			"ok":        starlark.Bool(result.Success()),
		}), nil
	}
}

// checkBuiltin implements check(condition, message).
func checkBuiltin(res *Result) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var cond starlark.Value
		var msg string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "condition", &cond, "message", &msg); err != nil {
			return nil, err
		}
		if !bool(cond.Truth()) {
			res.Failures = append(res.Failures, msg)
			log.Warn().Str("check", msg).Msg("Verification check failed")
		}
		return cond.Truth(), nil
	}
}

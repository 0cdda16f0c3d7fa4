package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind identifies which part of the convergence contract failed.
type ErrorKind string

const (
	// KindUnsupportedPlatform is raised by platform detection before any
	// mutation happens. Fatal and not retryable.
	KindUnsupportedPlatform ErrorKind = "unsupported_platform"

	// KindProbeInconclusive means a probe could not reach a verdict. Probes
	// fold it into "absent" and only log it.
	KindProbeInconclusive ErrorKind = "probe_inconclusive"

	// KindEnsureFailed means a resource could not be converged.
	KindEnsureFailed ErrorKind = "ensure_failed"

	// KindGuardViolation means a destructive action was skipped because its
	// guard did not confirm ownership of the target.
	KindGuardViolation ErrorKind = "guard_violation"

	// KindRemoteExecution is a non-zero exit (or timeout) of a remote command.
	KindRemoteExecution ErrorKind = "remote_execution"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, command deadlines.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that re-running will not fix
	// without operator action.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the failure kind.
	Kind ErrorKind `json:"kind"`

	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource the error is about, e.g. "user:django".
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Command is the rendered remote command, for remote execution errors.
	Command string `json:"command,omitempty"`

	// ExitCode is the remote exit status, -1 when the command did not finish.
	ExitCode int `json:"exit_code,omitempty"`

	// Diagnostic is the remote stderr of the failing command.
	Diagnostic string `json:"diagnostic,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two engine errors
// match when they share a kind.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewUnsupportedPlatformError reports a distribution missing from the
// package-manager table.
func NewUnsupportedPlatformError(distribution string) *EngineError {
	return &EngineError{
		Kind:      KindUnsupportedPlatform,
		Class:     ErrorClassPermanent,
		Message:   fmt.Sprintf("unsupported distribution %q", distribution),
		Operation: "detect",
	}
}

// NewProbeInconclusiveError wraps a failure to evaluate a probe.
func NewProbeInconclusiveError(probe string, err error) *EngineError {
	return &EngineError{
		Kind:      KindProbeInconclusive,
		Class:     ErrorClassTransient,
		Message:   "probe inconclusive",
		Operation: probe,
		Err:       err,
	}
}

// NewEnsureFailedError reports a resource that could not be converged.
func NewEnsureFailedError(resource string, cause error) *EngineError {
	return &EngineError{
		Kind:      KindEnsureFailed,
		Class:     ErrorClassPermanent,
		Message:   "ensure failed",
		Resource:  resource,
		Operation: "ensure",
		Err:       cause,
	}
}

// NewGuardViolationError reports a destructive action skipped by its guard.
func NewGuardViolationError(resource, reason string) *EngineError {
	return &EngineError{
		Kind:      KindGuardViolation,
		Class:     ErrorClassPermanent,
		Message:   reason,
		Resource:  resource,
		Operation: "remove",
	}
}

// NewRemoteExecutionError reports a remote command that exited non-zero.
func NewRemoteExecutionError(command string, exitCode int, stderr string) *EngineError {
	msg := fmt.Sprintf("command exited with code %d", exitCode)
	return &EngineError{
		Kind:       KindRemoteExecution,
		Class:      ErrorClassPermanent,
		Message:    msg,
		Command:    command,
		ExitCode:   exitCode,
		Diagnostic: strings.TrimSpace(stderr),
	}
}

// NewCommandTimeoutError reports a remote command cut off by its deadline.
func NewCommandTimeoutError(command string, err error) *EngineError {
	return &EngineError{
		Kind:     KindRemoteExecution,
		Class:    ErrorClassTransient,
		Message:  "command timed out",
		Command:  command,
		ExitCode: -1,
		Err:      err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasKind(err error, kind ErrorKind) bool {
	var e *EngineError
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsUnsupportedPlatform reports whether err is, or wraps, an unsupported platform error.
func IsUnsupportedPlatform(err error) bool { return hasKind(err, KindUnsupportedPlatform) }

// IsProbeInconclusive reports whether err is, or wraps, an inconclusive probe.
func IsProbeInconclusive(err error) bool { return hasKind(err, KindProbeInconclusive) }

// IsEnsureFailed reports whether err is, or wraps, an ensure failure.
func IsEnsureFailed(err error) bool { return hasKind(err, KindEnsureFailed) }

// IsGuardViolation reports whether err is, or wraps, a guard violation.
func IsGuardViolation(err error) bool { return hasKind(err, KindGuardViolation) }

// IsRemoteExecution reports whether err is, or wraps, a remote execution error.
func IsRemoteExecution(err error) bool { return hasKind(err, KindRemoteExecution) }

// IsTransient returns true if the outermost engine error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// Diagnostic returns the remote stderr carried anywhere in err's chain.
func Diagnostic(err error) string {
	var e *EngineError
	for err != nil {
		if !errors.As(err, &e) {
			return ""
		}
		if e.Diagnostic != "" {
			return e.Diagnostic
		}
		err = e.Err
	}
	return ""
}

// Package engine provides the convergence core of the provisioner: the remote
// execution contract, the error kinds, and the step sequencer that drives an
// install or uninstall plan against a single host.
//
// # Overview
//
// A provisioning run is a fixed, hand-authored sequence of named steps. The
// engine does not infer dependencies or reorder anything: the order of a
// Plan is the dependency graph. The Sequencer walks the plan on the calling
// goroutine and stops at the first fatal failure, leaving earlier effects in
// place. Convergence is resumed by running the plan again, which is safe
// because every step only applies the delta between probed and desired state.
//
// # Remote Execution
//
// The engine never dials a host. It consumes an already-authenticated Host,
// which bundles three narrow collaborators:
//
//   - Executor: runs a Command and returns its Result
//   - Transferer: uploads an Artifact to an absolute path
//   - Substituter: rewrites a token inside a remote file
//
// Every Command carries the identity it runs under:
//
//	engine.Cmd(engine.AsRoot(), "useradd", "--create-home", "django")
//	engine.Cmd(engine.AsUser("django"), "git", "clone", url, path)
//	engine.Cmd(engine.AsLogin(), "lsb_release", "-si").Tolerating()
//
// There is no ambient elevation. A non-zero exit is returned as a
// KindRemoteExecution error unless the command is Tolerant.
//
// # Plans and Steps
//
//	plan, err := engine.NewPlan("install",
//	    engine.Step{Name: "create-identity", Run: createIdentity},
//	    engine.Step{Name: "install-performance-extension", BestEffort: true, Run: gevent},
//	)
//	outcome := engine.NewSequencer(observer).Execute(ctx, plan)
//	if outcome.Failed() {
//	    fmt.Fprintf(os.Stderr, "step %q failed: %v\n", outcome.FailedStep, outcome.Err)
//	}
//
// A best-effort step that fails is reported as tolerated and the run goes
// on. Steps that never ran because of an earlier fatal failure are reported
// as skipped.
//
// # Error Kinds
//
//   - unsupported_platform: the distribution has no package-manager mapping
//   - probe_inconclusive: a probe could not decide; folded into "absent"
//   - ensure_failed: a resource did not converge
//   - guard_violation: a destructive action was refused by its guard
//   - remote_execution: a remote command exited non-zero or timed out
//
// Use the predicates (IsEnsureFailed, IsGuardViolation, ...) rather than
// comparing kinds directly; they walk the whole error chain. Diagnostic
// returns the remote stderr of the failing command, if any.
package engine

// Package provision binds a deployment to the step sequencer: the Installer
// converges a host to the deployment and the Uninstaller removes what the
// Installer created.
//
// Both are thin. They choose the order of steps and hand concrete paths,
// names and packages to the ensurers in pkg/resources; all probing,
// idempotence and guarding happens there. The step names are stable and are
// what the CLI prints when a run fails.
package provision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dwurf/django-gunicorn-nginx/pkg/config"
	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
	"github.com/dwurf/django-gunicorn-nginx/pkg/resources"
)

// Plan names.
const (
	PlanInstall   = "install"
	PlanUninstall = "uninstall"
)

// Step names shared by both plans.
const (
	StepDetectPlatform = "detect-platform"
	StepPolicyCheck    = "policy-check"
)

// Verifier checks a converged host. It receives Layout.Facts().
type Verifier interface {
	Verify(ctx context.Context, facts map[string]interface{}) error
}

// PolicyChecker decides whether a plan may run against a deployment.
type PolicyChecker interface {
	Check(ctx context.Context, plan string, facts map[string]interface{}) error
}

type options struct {
	observers []engine.Observer
	verifier  Verifier
	policy    PolicyChecker
	target    string
}

// Option configures an Installer or Uninstaller.
type Option func(*options)

// WithObserver adds a run observer, such as the history store or telemetry.
func WithObserver(o engine.Observer) Option {
	return func(opts *options) {
		if o != nil {
			opts.observers = append(opts.observers, o)
		}
	}
}

// WithVerifier sets the post-install verification hook.
func WithVerifier(v Verifier) Option {
	return func(opts *options) { opts.verifier = v }
}

// WithPolicy adds the policy-check step.
func WithPolicy(p PolicyChecker) Option {
	return func(opts *options) { opts.policy = p }
}

// WithTarget labels runs with the host they act on.
func WithTarget(target string) Option {
	return func(opts *options) { opts.target = target }
}

// orchestrator is what Installer and Uninstaller share.
type orchestrator struct {
	host    engine.Host
	cfg     config.Config
	layout  Layout
	table   *platform.Table
	options options
}

func newOrchestrator(host engine.Host, cfg config.Config, opts []Option) (orchestrator, error) {
	if host == nil {
		return orchestrator{}, fmt.Errorf("host is required")
	}
	table, err := platform.NewTable(cfg.Distributions())
	if err != nil {
		return orchestrator{}, fmt.Errorf("invalid platform mapping: %w", err)
	}
	o := orchestrator{
		host:   host,
		cfg:    cfg,
		layout: NewLayout(cfg.Deployment),
		table:  table,
	}
	for _, opt := range opts {
		opt(&o.options)
	}
	return o, nil
}

func (o orchestrator) execute(ctx context.Context, plan *engine.Plan) *engine.Outcome {
	if o.options.target != "" {
		plan = plan.WithTarget(o.options.target)
	}
	return engine.NewSequencer(o.options.observers...).Execute(ctx, plan)
}

// session is the per-run state closed over by the steps of one plan. It is
// filled in by the detect-platform step; every later step relies on it.
type session struct {
	orchestrator
	kind    platform.Kind
	manager platform.ServiceManager
	ens     *resources.Ensurer
}

func (o orchestrator) newSession() *session {
	return &session{orchestrator: o}
}

// detect identifies the package manager. An unsupported platform fails the
// step before any mutating command has been sent.
func (s *session) detect(ctx context.Context, report *engine.Report) error {
	kind, err := platform.NewDetector(s.host, s.table).Detect(ctx)
	if err != nil {
		return err
	}
	s.kind = kind
	s.manager = kind.DefaultServiceManager()
	if m, ok := s.cfg.ServiceManager(); ok {
		s.manager = m
	}
	s.ens = resources.NewEnsurer(s.host, kind)

	log.Info().
		Str("package_manager", string(kind)).
		Str("service_manager", string(s.manager)).
		Msg("Platform detected")
	return nil
}

func (s *session) policyStep(plan string) engine.Step {
	return engine.Step{
		Name: StepPolicyCheck,
		Run: func(ctx context.Context, report *engine.Report) error {
			facts := s.layout.Facts()
			facts["package_manager"] = string(s.kind)
			facts["service_manager"] = string(s.manager)
			return s.options.policy.Check(ctx, plan, facts)
		},
	}
}

// apply runs ensure calls in order, recording each result, and stops at the
// first error.
func apply(report *engine.Report, calls ...func() (resources.Result, error)) error {
	for _, call := range calls {
		res, err := call()
		res.Record(report)
		if err != nil {
			return err
		}
	}
	return nil
}

// changed reports whether any of the results mutated the host.
func changed(results ...resources.Result) bool {
	for _, r := range results {
		if r.Changed {
			return true
		}
	}
	return false
}

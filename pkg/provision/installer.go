package provision

import (
	"context"
	"path"

	"github.com/rs/zerolog/log"

	"github.com/dwurf/django-gunicorn-nginx/pkg/config"
	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/resources"
)

// Install step names, in execution order.
const (
	StepUpgradeSystem        = "upgrade-system"
	StepInstallPrerequisites = "install-prerequisites"
	StepCreateIdentity       = "create-identity"
	StepCheckoutSource       = "checkout-source"
	StepCreateEnvironment    = "create-environment"
	StepBindDocumentRoot     = "bind-document-root"
	StepInstallProxySite     = "install-proxy-site"
	StepInstallServiceRunner = "install-service-runner"
	StepPerformanceExtension = "install-performance-extension"
	StepRegisterService      = "register-service"
	StepVerify               = "verify"
)

// Installer converges a host to the deployment.
type Installer struct {
	orchestrator
}

// NewInstaller creates an installer for the host.
func NewInstaller(host engine.Host, cfg config.Config, opts ...Option) (*Installer, error) {
	o, err := newOrchestrator(host, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &Installer{orchestrator: o}, nil
}

// Layout returns the remote layout the installer converges to.
func (in *Installer) Layout() Layout { return in.layout }

// Run executes a fresh install plan.
func (in *Installer) Run(ctx context.Context) *engine.Outcome {
	return in.execute(ctx, in.Plan())
}

// Plan builds the install plan. Each call returns a plan with its own run
// state, so a plan can be executed once.
func (in *Installer) Plan() *engine.Plan {
	s := &installSession{session: in.newSession()}

	steps := []engine.Step{{Name: StepDetectPlatform, Run: s.detect}}
	if in.options.policy != nil {
		steps = append(steps, s.policyStep(PlanInstall))
	}
	if in.layout.UpgradeSystem {
		steps = append(steps, engine.Step{Name: StepUpgradeSystem, Run: s.upgradeSystem})
	}
	steps = append(steps,
		engine.Step{Name: StepInstallPrerequisites, Run: s.installPrerequisites},
		engine.Step{Name: StepCreateIdentity, Run: s.createIdentity},
		engine.Step{Name: StepCheckoutSource, Run: s.checkoutSource},
		engine.Step{Name: StepCreateEnvironment, Run: s.createEnvironment},
		engine.Step{Name: StepBindDocumentRoot, Run: s.bindDocumentRoot},
		engine.Step{Name: StepInstallProxySite, Run: s.installProxySite},
		engine.Step{Name: StepInstallServiceRunner, Run: s.installServiceRunner},
	)
	if in.layout.PerformanceExtension {
		steps = append(steps, engine.Step{Name: StepPerformanceExtension, BestEffort: true, Run: s.installPerformanceExtension})
	}
	steps = append(steps,
		engine.Step{Name: StepRegisterService, Run: s.registerService},
		engine.Step{Name: StepVerify, Run: s.verify},
	)

	return engine.MustPlan(PlanInstall, steps...)
}

type installSession struct {
	*session

	// runnerChanged is set when the service definition or launcher was
	// rewritten, so a running service picks the change up.
	runnerChanged bool
}

func (s *installSession) upgradeSystem(ctx context.Context, report *engine.Report) error {
	return apply(report, func() (resources.Result, error) { return s.ens.UpgradeSystem(ctx) })
}

func (s *installSession) installPrerequisites(ctx context.Context, report *engine.Report) error {
	l := s.layout
	calls := []func() (resources.Result, error){
		func() (resources.Result, error) { return s.ens.Package(ctx, l.VCSPackage) },
		func() (resources.Result, error) { return s.ens.Command(ctx, l.Interpreter) },
		func() (resources.Result, error) { return s.ens.Command(ctx, l.Virtualenv) },
	}
	for _, pkg := range l.Packages {
		pkg := pkg
		calls = append(calls, func() (resources.Result, error) { return s.ens.Package(ctx, pkg) })
	}
	return apply(report, calls...)
}

func (s *installSession) createIdentity(ctx context.Context, report *engine.Report) error {
	return apply(report, func() (resources.Result, error) { return s.ens.Account(ctx, s.layout.Identity) })
}

func (s *installSession) checkoutSource(ctx context.Context, report *engine.Report) error {
	return apply(report, func() (resources.Result, error) { return s.ens.Checkout(ctx, s.layout.Checkout) })
}

func (s *installSession) createEnvironment(ctx context.Context, report *engine.Report) error {
	env := s.layout.Environment
	return apply(report,
		func() (resources.Result, error) {
			return s.ens.Directory(ctx, resources.TargetPath{
				Path:      env.Root,
				Owner:     env.Owner.User,
				Group:     env.Owner.Group,
				Recursive: true,
			})
		},
		func() (resources.Result, error) { return s.ens.Environment(ctx, env) },
		func() (resources.Result, error) { return s.ens.Requirements(ctx, env, s.layout.Requirements) },
	)
}

func (s *installSession) bindDocumentRoot(ctx context.Context, report *engine.Report) error {
	b := s.layout.DocumentRoot
	return apply(report,
		func() (resources.Result, error) {
			return s.ens.Directory(ctx, resources.TargetPath{Path: path.Dir(b.Link), Recursive: true})
		},
		func() (resources.Result, error) { return s.ens.Symlink(ctx, b) },
	)
}

func (s *installSession) installProxySite(ctx context.Context, report *engine.Report) error {
	l := s.layout
	proxy := l.ProxyService(s.manager)

	var site, link resources.Result
	calls := []func() (resources.Result, error){
		func() (resources.Result, error) { return s.ens.Package(ctx, requirement("nginx")) },
		func() (resources.Result, error) {
			var err error
			site, err = s.ens.Artifact(ctx, l.Site(s.kind))
			return site, err
		},
	}
	if b, ok := l.SiteLink(s.kind); ok {
		calls = append(calls, func() (resources.Result, error) {
			var err error
			link, err = s.ens.Symlink(ctx, b)
			return link, err
		})
	}
	if err := apply(report, calls...); err != nil {
		return err
	}

	if err := s.ens.Validate(ctx, "site:"+l.ServerName, engine.AsRoot(), "nginx", "-t"); err != nil {
		return err
	}

	var started resources.Result
	err := apply(report, func() (resources.Result, error) {
		var err error
		started, err = s.ens.Service(ctx, proxy)
		return started, err
	})
	if err != nil {
		return err
	}

	// a proxy that was just started has already read the new site
	if changed(site, link) && !started.Changed {
		return apply(report, func() (resources.Result, error) { return s.ens.Reload(ctx, proxy) })
	}
	return nil
}

func (s *installSession) installServiceRunner(ctx context.Context, report *engine.Report) error {
	l := s.layout
	var launcher, unit resources.Result
	err := apply(report,
		func() (resources.Result, error) { return s.ens.PythonPackage(ctx, l.Environment, "gunicorn") },
		func() (resources.Result, error) { return s.ens.Directory(ctx, l.LogDir) },
		func() (resources.Result, error) {
			var err error
			unit, err = s.ens.Artifact(ctx, l.Unit(s.manager))
			return unit, err
		},
		func() (resources.Result, error) {
			var err error
			launcher, err = s.ens.Artifact(ctx, l.Launcher())
			return launcher, err
		},
	)
	s.runnerChanged = changed(unit, launcher)
	return err
}

func (s *installSession) installPerformanceExtension(ctx context.Context, report *engine.Report) error {
	return apply(report,
		func() (resources.Result, error) { return s.ens.Package(ctx, requirement("libevent-dev")) },
		func() (resources.Result, error) { return s.ens.PythonPackage(ctx, s.layout.Environment, "gevent") },
	)
}

func (s *installSession) registerService(ctx context.Context, report *engine.Report) error {
	svc := s.layout.Service(s.manager)

	var started resources.Result
	err := apply(report, func() (resources.Result, error) {
		var err error
		started, err = s.ens.Service(ctx, svc)
		return started, err
	})
	if err != nil {
		return err
	}

	if s.runnerChanged && !started.Changed {
		return apply(report, func() (resources.Result, error) { return s.ens.Reload(ctx, svc) })
	}
	return nil
}

func (s *installSession) verify(ctx context.Context, report *engine.Report) error {
	if s.options.verifier == nil {
		log.Debug().Msg("No verification configured")
		return nil
	}
	facts := s.layout.Facts()
	facts["package_manager"] = string(s.kind)
	facts["service_manager"] = string(s.manager)
	if err := s.options.verifier.Verify(ctx, facts); err != nil {
		return engine.NewEnsureFailedError("verification", err)
	}
	return nil
}

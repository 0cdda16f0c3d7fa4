package provision

import (
	"context"
	"errors"

	"github.com/dwurf/django-gunicorn-nginx/pkg/config"
	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
	"github.com/dwurf/django-gunicorn-nginx/pkg/resources"
)

// Uninstall step names, in execution order.
const (
	StepRemoveService        = "remove-service"
	StepRemoveProxySite      = "remove-proxy-site"
	StepRemoveDocumentRoot   = "remove-document-root"
	StepRemoveSourceCheckout = "remove-source-checkout"
	StepRemoveIdentity       = "remove-identity"
)

// Uninstaller removes what the Installer created. Packages are left
// installed; other software may depend on them.
type Uninstaller struct {
	orchestrator
}

// NewUninstaller creates an uninstaller for the host.
func NewUninstaller(host engine.Host, cfg config.Config, opts ...Option) (*Uninstaller, error) {
	o, err := newOrchestrator(host, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &Uninstaller{orchestrator: o}, nil
}

// Layout returns the remote layout the uninstaller removes.
func (u *Uninstaller) Layout() Layout { return u.layout }

// Run executes a fresh uninstall plan.
func (u *Uninstaller) Run(ctx context.Context) *engine.Outcome {
	return u.execute(ctx, u.Plan())
}

// Plan builds the uninstall plan.
func (u *Uninstaller) Plan() *engine.Plan {
	s := &uninstallSession{session: u.newSession()}

	steps := []engine.Step{{Name: StepDetectPlatform, Run: s.detect}}
	if u.options.policy != nil {
		steps = append(steps, s.policyStep(PlanUninstall))
	}
	steps = append(steps,
		engine.Step{Name: StepRemoveService, BestEffort: true, Run: s.removeService},
		engine.Step{Name: StepRemoveProxySite, BestEffort: true, Run: s.removeProxySite},
		engine.Step{Name: StepRemoveDocumentRoot, Run: s.removeDocumentRoot},
		engine.Step{Name: StepRemoveSourceCheckout, Run: s.removeSourceCheckout},
		engine.Step{Name: StepRemoveIdentity, Run: s.removeIdentity},
	)
	return engine.MustPlan(PlanUninstall, steps...)
}

type uninstallSession struct {
	*session
}

// teardown runs every removal even after one fails. A guard that refused a
// removal is recorded as a warning and does not fail the step: the
// refusal leaves the host exactly as the operator left it.
func teardown(report *engine.Report, calls ...func() (resources.Result, error)) error {
	var errs []error
	for _, call := range calls {
		res, err := call()
		res.Record(report)
		switch {
		case err == nil:
		case engine.IsGuardViolation(err):
			report.Warn(err)
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *uninstallSession) removeService(ctx context.Context, report *engine.Report) error {
	l := s.layout
	var unit resources.Result
	err := teardown(report,
		func() (resources.Result, error) { return s.ens.StopService(ctx, l.Service(s.manager)) },
		func() (resources.Result, error) {
			res, err := s.ens.RemoveArtifact(ctx, l.Unit(s.manager))
			unit = res
			return res, err
		},
		func() (resources.Result, error) { return s.ens.RemoveDirectory(ctx, l.LogDir) },
		func() (resources.Result, error) { return s.ens.RemoveEnvironment(ctx, l.Environment) },
	)

	// systemd keeps a removed unit loaded until it re-reads the directory.
	if unit.Changed && s.manager == platform.ServiceManagerSystemd {
		err = errors.Join(err, apply(report, func() (resources.Result, error) { return s.ens.ReloadUnits(ctx) }))
	}
	return err
}

func (s *uninstallSession) removeProxySite(ctx context.Context, report *engine.Report) error {
	l := s.layout
	var removed []resources.Result
	record := func(res resources.Result, err error) (resources.Result, error) {
		removed = append(removed, res)
		return res, err
	}

	var calls []func() (resources.Result, error)
	if b, ok := l.SiteLink(s.kind); ok {
		calls = append(calls, func() (resources.Result, error) { return record(s.ens.RemoveBinding(ctx, b)) })
	}
	calls = append(calls, func() (resources.Result, error) { return record(s.ens.RemoveArtifact(ctx, l.Site(s.kind))) })
	if err := teardown(report, calls...); err != nil {
		return err
	}

	proxy := l.ProxyService(s.manager)
	if changed(removed...) && s.ens.Probes().ServiceActive(ctx, proxy) {
		return apply(report, func() (resources.Result, error) { return s.ens.Reload(ctx, proxy) })
	}
	return nil
}

func (s *uninstallSession) removeDocumentRoot(ctx context.Context, report *engine.Report) error {
	return teardown(report, func() (resources.Result, error) {
		return s.ens.RemoveSymlink(ctx, s.layout.DocumentRoot.Link)
	})
}

func (s *uninstallSession) removeSourceCheckout(ctx context.Context, report *engine.Report) error {
	return teardown(report, func() (resources.Result, error) {
		return s.ens.RemoveCheckout(ctx, s.layout.Checkout)
	})
}

func (s *uninstallSession) removeIdentity(ctx context.Context, report *engine.Report) error {
	return teardown(report, func() (resources.Result, error) {
		return s.ens.RemoveAccount(ctx, s.layout.Identity)
	})
}

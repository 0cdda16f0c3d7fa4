package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dwurf/django-gunicorn-nginx/pkg/config"
	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/provision"
)

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Converge the target host to the deployment",
		Long: `Install the application on the target host.

This command:
  - Detects the package manager (apt or yum) and refuses unknown platforms
  - Installs prerequisites, the service identity and the source checkout
  - Builds the Python environment and installs the requirements
  - Publishes the document root and the nginx site
  - Installs and registers the gunicorn service
  - Runs the verification script, if configured

Steps that find the host already converged change nothing.`,
		Example: `  # Install using a configuration file
  djangoprov install -c deploy.yaml

  # Override the target host and prompt for the sudo password
  djangoprov install -c deploy.yaml --host web1.example.org -K`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, provision.PlanInstall)
		},
	}
}

func newUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove what install created",
		Long: `Remove the application from the target host.

Only resources that are confirmed to belong to the deployment are removed:
the document root only if it is a symlink, the checkout only if it is a
checkout of the configured VCS, the environment only if it was initialised.
Running uninstall on a host that was never installed changes nothing.`,
		Example: `  djangoprov uninstall -c deploy.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, provision.PlanUninstall)
		},
	}
}

// runner is implemented by provision.Installer and provision.Uninstaller.
type runner interface {
	Run(ctx context.Context) *engine.Outcome
}

func newRunner(plan string, host engine.Host, cfg config.Config, opts []provision.Option) (runner, error) {
	if plan == provision.PlanUninstall {
		u, err := provision.NewUninstaller(host, cfg, opts...)
		if err != nil {
			return nil, err
		}
		return u, nil
	}
	in, err := provision.NewInstaller(host, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// runPlan connects to the target, runs plan and reports the outcome. A
// failed run prints the failing step and the remote diagnostic to stderr
// and returns ErrRunFailed.
func runPlan(cmd *cobra.Command, plan string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	opts, err := rt.options(ctx)
	if err != nil {
		return err
	}
	r, err := newRunner(plan, rt.host, cfg, opts)
	if err != nil {
		return err
	}

	log.Info().
		Str("plan", plan).
		Str("target", cfg.Target.Host).
		Msg("Starting run")

	outcome := r.Run(ctx)

	if err := printOutcome(cmd.OutOrStdout(), outcome, jsonOutput); err != nil {
		return err
	}
	if outcome.Failed() {
		reportFailure(cmd.ErrOrStderr(), outcome)
		return ErrRunFailed
	}
	return nil
}

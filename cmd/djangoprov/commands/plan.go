package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dwurf/django-gunicorn-nginx/pkg/config"
	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/policy"
	"github.com/dwurf/django-gunicorn-nginx/pkg/provision"
)

var errOffline = errors.New("plan does not connect to the host")

// offlineHost lets a plan be built without a connection. Building a plan
// never touches the host; only running it does.
type offlineHost struct{}

func (offlineHost) Execute(context.Context, engine.Command) (*engine.Result, error) {
	return nil, errOffline
}

func (offlineHost) Upload(context.Context, engine.Artifact) error { return errOffline }

func (offlineHost) Substitute(context.Context, string, string, string, bool) error {
	return errOffline
}

type planStep struct {
	Name       string `json:"name"`
	BestEffort bool   `json:"best_effort,omitempty"`
}

type planSummary struct {
	Plan         string         `json:"plan"`
	Steps        []planStep     `json:"steps"`
	ManagedPaths []string       `json:"managed_paths"`
	Policy       *policy.Result `json:"policy,omitempty"`
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [install|uninstall]",
		Short: "Show the steps a run would take",
		Long: `Show the ordered steps of the install or uninstall plan and the paths
the deployment manages, without connecting to the host.

When policies are enabled they are evaluated against the deployment, so a
plan that would be refused is reported here.`,
		Example: `  djangoprov plan -c deploy.yaml
  djangoprov plan uninstall -c deploy.yaml --json`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{provision.PlanInstall, provision.PlanUninstall},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := provision.PlanInstall
			if len(args) == 1 {
				name = args[0]
			}
			if name != provision.PlanInstall && name != provision.PlanUninstall {
				return fmt.Errorf("unknown plan %q (want install or uninstall)", name)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			summary, err := describePlan(cmd.Context(), name, cfg)
			if err != nil {
				return err
			}
			if err := printPlan(cmd.OutOrStdout(), summary, jsonOutput); err != nil {
				return err
			}
			if summary.Policy != nil && !summary.Policy.Allowed {
				return fmt.Errorf("plan %s would be refused by policy", name)
			}
			return nil
		},
	}
	return cmd
}

// describePlan builds the named plan offline and evaluates the policies.
func describePlan(ctx context.Context, name string, cfg config.Config) (*planSummary, error) {
	var opts []provision.Option
	var pe *policy.Engine
	if cfg.Policy.Enabled {
		var err error
		if pe, err = newPolicyEngine(ctx, cfg); err != nil {
			return nil, err
		}
		opts = append(opts, provision.WithPolicy(pe))
	}

	var (
		plan   *engine.Plan
		layout provision.Layout
	)
	if name == provision.PlanUninstall {
		u, err := provision.NewUninstaller(offlineHost{}, cfg, opts...)
		if err != nil {
			return nil, err
		}
		plan, layout = u.Plan(), u.Layout()
	} else {
		in, err := provision.NewInstaller(offlineHost{}, cfg, opts...)
		if err != nil {
			return nil, err
		}
		plan, layout = in.Plan(), in.Layout()
	}

	summary := &planSummary{Plan: name, ManagedPaths: layout.ManagedPaths()}
	for _, s := range plan.Steps() {
		summary.Steps = append(summary.Steps, planStep{Name: s.Name, BestEffort: s.BestEffort})
	}

	if pe != nil {
		res, err := pe.Evaluate(ctx, name, layout.Facts())
		if err != nil {
			return nil, err
		}
		summary.Policy = res
	}
	return summary, nil
}

func printPlan(w io.Writer, s *planSummary, asJSON bool) error {
	if asJSON {
		return printJSON(w, s)
	}

	fmt.Fprintf(w, "Plan %s:\n", s.Plan)
	for i, step := range s.Steps {
		marker := ""
		if step.BestEffort {
			marker = " (best-effort)"
		}
		fmt.Fprintf(w, "  %2d. %s%s\n", i+1, step.Name, marker)
	}

	fmt.Fprintln(w, "\nManaged paths:")
	for _, p := range s.ManagedPaths {
		fmt.Fprintf(w, "  %s\n", p)
	}

	if s.Policy == nil {
		return nil
	}
	fmt.Fprintf(w, "\nPolicies evaluated: %d\n", len(s.Policy.EvaluatedPolicies))
	for _, v := range s.Policy.Violations {
		fmt.Fprintf(w, "  DENY %s: %s\n", v.Policy, v.Message)
	}
	for _, v := range s.Policy.Warnings {
		fmt.Fprintf(w, "  WARN %s: %s\n", v.Policy, v.Message)
	}
	return nil
}

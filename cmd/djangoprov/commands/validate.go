package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dwurf/django-gunicorn-nginx/pkg/config"
	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
	"github.com/dwurf/django-gunicorn-nginx/pkg/verify"
)

func newValidateCommand() *cobra.Command {
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Validate the configuration file without connecting to the host.

This command:
  - Checks the file against the CUE schema and the field constraints
  - Checks the extra distribution mappings
  - Compiles the policies when policies are enabled
  - Reads the verification script, if configured`,
		Example: `  djangoprov validate -c deploy.yaml

  # Show the effective configuration, defaults included
  djangoprov validate -c deploy.yaml --print`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if _, err := platform.NewTable(cfg.Distributions()); err != nil {
				return fmt.Errorf("platform.distributions: %w", err)
			}
			if cfg.Policy.Enabled {
				if _, err := newPolicyEngine(cmd.Context(), cfg); err != nil {
					return err
				}
			}
			if cfg.Verify.Script != "" {
				if _, err := verify.Load(offlineHost{}, cfg.Verify.Script, cfg.Verify.Timeout.Std()); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if printConfig {
				out, err := config.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = w.Write(out)
				return err
			}

			source := configPath
			if source == "" {
				source = "defaults"
			}
			fmt.Fprintf(w, "Configuration is valid (%s)\n", source)
			return nil
		},
	}

	cmd.Flags().BoolVar(&printConfig, "print", false, "print the effective configuration as YAML")

	return cmd
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dwurf/django-gunicorn-nginx/pkg/platform"
)

type detectResult struct {
	Host           string `json:"host"`
	Distribution   string `json:"distribution"`
	PackageManager string `json:"package_manager"`
	ServiceManager string `json:"service_manager"`
}

func newDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Detect the target's distribution and package manager",
		Long: `Connect to the target and report its distribution, the package manager
that would be used and the service manager that would supervise gunicorn.
Nothing on the host is changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			table, err := platform.NewTable(cfg.Distributions())
			if err != nil {
				return err
			}

			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			detector := platform.NewDetector(rt.host, table)
			kind, err := detector.Detect(ctx)
			if err != nil {
				return err
			}

			manager := kind.DefaultServiceManager()
			if m, ok := cfg.ServiceManager(); ok {
				manager = m
			}

			res := detectResult{
				Host:           cfg.Target.Host,
				Distribution:   detector.Distribution(),
				PackageManager: string(kind),
				ServiceManager: string(manager),
			}
			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, res)
			}
			fmt.Fprintf(w, "Host:            %s\n", res.Host)
			fmt.Fprintf(w, "Distribution:    %s\n", res.Distribution)
			fmt.Fprintf(w, "Package manager: %s\n", res.PackageManager)
			fmt.Fprintf(w, "Service manager: %s\n", res.ServiceManager)
			return nil
		},
	}
}

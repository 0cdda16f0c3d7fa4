package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ErrRunFailed is returned when a plan ran and failed. The failing step
// has already been reported on stderr.
var ErrRunFailed = errors.New("run failed")

var (
	// Global flags
	configPath string
	jsonOutput bool
	target     targetFlags
)

// targetFlags override the target section of the configuration file.
type targetFlags struct {
	host        string
	port        int
	user        string
	keyPath     string
	authMethod  string
	knownHosts  string
	insecure    bool
	proxy       string
	askPass     bool
	askSudoPass bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	target = targetFlags{}

	rootCmd := &cobra.Command{
		Use:   "djangoprov",
		Short: "Provision a Django application behind gunicorn and nginx",
		Long: `djangoprov converges a remote host to run a Django application served
by gunicorn behind an nginx reverse proxy, and removes it again.

Every step probes the host before acting, so install and uninstall can be
re-run safely. A failed run stops at the failing step and names it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .yml, .cue or .json)")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")

	flags.StringVarP(&target.host, "host", "H", "", "target host (overrides target.host)")
	flags.IntVarP(&target.port, "port", "p", 0, "SSH port (overrides target.port)")
	flags.StringVarP(&target.user, "user", "u", "", "SSH login user (overrides target.user)")
	flags.StringVarP(&target.keyPath, "identity", "i", "", "SSH private key (overrides target.key_path)")
	flags.StringVar(&target.authMethod, "auth", "", "SSH auth method: key, password or agent")
	flags.StringVar(&target.knownHosts, "known-hosts", "", "known_hosts file (overrides target.known_hosts)")
	flags.BoolVar(&target.insecure, "insecure-ignore-host-key", false, "accept any SSH host key")
	flags.StringVarP(&target.proxy, "jump", "J", "", "jump host as [user@]host[:port]")
	flags.BoolVar(&target.askPass, "ask-pass", false, "prompt for the SSH password")
	flags.BoolVarP(&target.askSudoPass, "ask-sudo-pass", "K", false, "prompt for the sudo password")

	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUninstallCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newDetectCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

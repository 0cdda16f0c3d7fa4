package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/dwurf/django-gunicorn-nginx/pkg/config"
	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
	"github.com/dwurf/django-gunicorn-nginx/pkg/policy"
	"github.com/dwurf/django-gunicorn-nginx/pkg/provision"
	"github.com/dwurf/django-gunicorn-nginx/pkg/stores"
	"github.com/dwurf/django-gunicorn-nginx/pkg/telemetry"
	sshtransport "github.com/dwurf/django-gunicorn-nginx/pkg/transports/ssh"
	"github.com/dwurf/django-gunicorn-nginx/pkg/verify"
)

// Environment variables read when no prompt is requested.
const (
	envSSHPassword  = "DJANGOPROV_SSH_PASSWORD"
	envSudoPassword = "DJANGOPROV_SUDO_PASSWORD"
)

// buildVersion is reported in traces; set by Execute.
var buildVersion = "dev"

// loadConfig loads the configuration file and applies the target flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := applyTargetFlags(&cfg.Target, target); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyTargetFlags overrides t with every flag that was set.
func applyTargetFlags(t *config.Target, f targetFlags) error {
	if f.host != "" {
		t.Host = f.host
	}
	if f.port != 0 {
		t.Port = f.port
	}
	if f.user != "" {
		t.User = f.user
	}
	if f.keyPath != "" {
		t.KeyPath = f.keyPath
	}
	if f.authMethod != "" {
		t.AuthMethod = f.authMethod
	}
	if f.knownHosts != "" {
		t.KnownHosts = f.knownHosts
	}
	if f.insecure {
		t.InsecureIgnoreHostKey = true
	}
	if f.askPass && f.authMethod == "" {
		t.AuthMethod = string(sshtransport.AuthMethodPassword)
	}
	if f.proxy != "" {
		user, host, port, err := parseJump(f.proxy)
		if err != nil {
			return err
		}
		t.ProxyHost = host
		t.ProxyUser = user
		if port != 0 {
			t.ProxyPort = port
		}
	}
	return nil
}

// parseJump splits [user@]host[:port].
func parseJump(s string) (user, host string, port int, err error) {
	rest := s
	if i := strings.LastIndex(s, "@"); i >= 0 {
		user, rest = s[:i], s[i+1:]
	}
	host = rest
	if h, p, splitErr := net.SplitHostPort(rest); splitErr == nil {
		host = h
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid jump host port in %q", s)
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("invalid jump host %q", s)
	}
	return user, host, port, nil
}

// sshConfig builds the transport configuration for the target.
func sshConfig(cfg config.Config, sshPassword, sudoPassword string) (*sshtransport.Config, error) {
	t := cfg.Target
	if t.Host == "" {
		return nil, fmt.Errorf("target host is required (set target.host or --host)")
	}
	user := t.User
	if user == "" {
		user = os.Getenv("USER")
	}

	sc := sshtransport.DefaultConfig(t.Host, user)
	sc.Port = t.Port
	sc.AuthMethod = sshtransport.AuthMethod(t.AuthMethod)
	sc.Password = sshPassword
	sc.PrivateKeyPath = t.KeyPath
	if t.KnownHosts != "" {
		sc.KnownHostsPath = t.KnownHosts
	}
	sc.StrictHostKeyChecking = !t.InsecureIgnoreHostKey
	sc.SudoPassword = sudoPassword
	sc.ConnectionTimeout = t.ConnectTimeout.Std()
	sc.CommandTimeout = cfg.Timeout()

	if t.ProxyHost != "" {
		sc.ProxyHost = t.ProxyHost
		sc.ProxyUser = t.ProxyUser
		if sc.ProxyUser == "" {
			sc.ProxyUser = user
		}
		if t.ProxyPort != 0 {
			sc.ProxyPort = t.ProxyPort
		}
	}
	return sc, nil
}

// secrets returns the SSH and sudo passwords, prompting when asked to.
func secrets(cfg config.Config, f targetFlags) (sshPassword, sudoPassword string, err error) {
	sshPassword = os.Getenv(envSSHPassword)
	if f.askPass || (cfg.Target.AuthMethod == string(sshtransport.AuthMethodPassword) && sshPassword == "") {
		if sshPassword, err = promptSecret("SSH password: "); err != nil {
			return "", "", err
		}
	}

	sudoPassword = os.Getenv(envSudoPassword)
	if f.askSudoPass {
		if sudoPassword, err = promptSecret("SUDO password: "); err != nil {
			return "", "", err
		}
	}
	return sshPassword, sudoPassword, nil
}

func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for %q: stdin is not a terminal", strings.TrimSuffix(prompt, ": "))
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(secret), nil
}

// setupTelemetry creates the telemetry bundle and installs its logger as
// the global logger.
func setupTelemetry(cfg config.Config) (*telemetry.Telemetry, error) {
	tel, err := telemetry.New(cfg.TelemetryConfig(buildVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	logger := tel.Logger.Zerolog()
	if os.Getenv("LOG_LEVEL") != "" {
		logger = logger.Level(zerolog.GlobalLevel())
	}
	log.Logger = logger
	return tel, nil
}

// openHistory opens and migrates the run history database.
func openHistory(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}
	return store, nil
}

// newPolicyEngine returns the policy engine with the built-in policies and
// any modules from the policy directory.
func newPolicyEngine(ctx context.Context, cfg config.Config) (*policy.Engine, error) {
	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.Policy.Dir != "" {
		if err := pe.LoadPolicies(ctx, []string{cfg.Policy.Dir}); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// runtime is everything a connected command needs.
type runtime struct {
	cfg    config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	client *sshtransport.SSHClient

	// host is the instrumented client.
	host engine.Host
}

// openRuntime sets up telemetry and history and connects to the target.
func openRuntime(ctx context.Context, cfg config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.close()
		}
	}()

	if rt.tel, err = setupTelemetry(cfg); err != nil {
		return nil, err
	}

	if cfg.History.Enabled {
		if rt.store, err = openHistory(ctx, cfg.History.Path); err != nil {
			return nil, err
		}
	}

	sshPassword, sudoPassword, err := secrets(cfg, target)
	if err != nil {
		return nil, err
	}
	sc, err := sshConfig(cfg, sshPassword, sudoPassword)
	if err != nil {
		return nil, err
	}
	if rt.client, err = sshtransport.NewSSHClient(sc); err != nil {
		return nil, err
	}
	if err = rt.client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", sc.Address(), err)
	}

	rt.host = telemetry.InstrumentHost(rt.client, rt.tel.Observer())
	return rt, nil
}

// options wires the observers, verifier and policy engine into a plan.
func (rt *runtime) options(ctx context.Context) ([]provision.Option, error) {
	opts := []provision.Option{
		provision.WithTarget(rt.cfg.Target.Host),
		provision.WithObserver(rt.tel.Observer()),
	}
	if rt.store != nil {
		opts = append(opts, provision.WithObserver(stores.NewRecorder(rt.store)))
	}

	if rt.cfg.Verify.Script != "" {
		v, err := verify.Load(rt.host, rt.cfg.Verify.Script, rt.cfg.Verify.Timeout.Std())
		if err != nil {
			return nil, err
		}
		opts = append(opts, provision.WithVerifier(v))
	}

	if rt.cfg.Policy.Enabled {
		pe, err := newPolicyEngine(ctx, rt.cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, provision.WithPolicy(pe))
	}
	return opts, nil
}

// close disconnects and flushes telemetry. It is safe on a partially
// opened runtime.
func (rt *runtime) close() error {
	var errs []error
	if rt.client != nil {
		errs = append(errs, rt.client.Disconnect())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errs = append(errs, rt.tel.Shutdown(ctx))
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Msg("cleanup failed")
	}
	return err
}

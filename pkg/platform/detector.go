package platform

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

// Detector queries the remote distribution once and caches the verdict.
type Detector struct {
	exec  engine.Executor
	table *Table

	mu     sync.Mutex
	done   bool
	distro string
	kind   Kind
	err    error
}

// NewDetector creates a detector over exec. A nil table means the built-in
// mapping only.
func NewDetector(exec engine.Executor, table *Table) *Detector {
	return &Detector{exec: exec, table: table}
}

// Detect returns the package-manager kind of the remote host. Transport
// failures are returned as-is and not cached; an unmapped distribution is
// an UnsupportedPlatform error and is cached.
func (d *Detector) Detect(ctx context.Context) (Kind, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done {
		return d.kind, d.err
	}

	distro, err := d.identify(ctx)
	if err != nil {
		return "", err
	}

	d.distro = distro
	d.kind, d.err = d.table.Lookup(distro)
	d.done = true

	if d.err != nil {
		log.Error().Str("distribution", distro).Msg("unsupported distribution")
	} else {
		log.Info().
			Str("distribution", distro).
			Str("package_manager", string(d.kind)).
			Msg("detected platform")
	}

	return d.kind, d.err
}

// Distribution returns the raw identifier seen by the last successful Detect.
func (d *Detector) Distribution() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.distro
}

func (d *Detector) identify(ctx context.Context) (string, error) {
	res, err := d.exec.Execute(ctx, engine.Cmd(engine.AsLogin(), "lsb_release", "-si").Tolerating())
	if err != nil {
		return "", fmt.Errorf("failed to query distribution: %w", err)
	}
	if res.Success() && strings.TrimSpace(res.Stdout) != "" {
		return strings.TrimSpace(res.Stdout), nil
	}

	log.Debug().Int("exit_code", res.ExitCode).Msg("lsb_release unavailable, reading /etc/os-release")

	res, err = d.exec.Execute(ctx, engine.Cmd(engine.AsLogin(), "cat", "/etc/os-release").Tolerating())
	if err != nil {
		return "", fmt.Errorf("failed to read os-release: %w", err)
	}
	if !res.Success() {
		return "", nil
	}
	return parseOSReleaseID(res.Stdout), nil
}

// parseOSReleaseID extracts the ID= value of an os-release file.
func parseOSReleaseID(content string) string {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "ID="); ok {
			return strings.Trim(v, `"'`)
		}
	}
	return ""
}

func newUnsupported(distro string) error {
	if strings.TrimSpace(distro) == "" {
		distro = "unknown"
	}
	return engine.NewUnsupportedPlatformError(distro)
}

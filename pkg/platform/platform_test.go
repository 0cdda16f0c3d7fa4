package platform

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

type scriptedExecutor struct {
	responses map[string]*engine.Result
	failWith  error
	calls     []string
}

func (s *scriptedExecutor) Execute(_ context.Context, cmd engine.Command) (*engine.Result, error) {
	key := strings.Join(cmd.Args, " ")
	s.calls = append(s.calls, key)
	if s.failWith != nil {
		return nil, s.failWith
	}
	if res, ok := s.responses[key]; ok {
		return res, nil
	}
	return &engine.Result{ExitCode: 127, Stderr: "command not found"}, nil
}

func TestLookup(t *testing.T) {
	tests := []struct {
		distro  string
		want    Kind
		wantErr bool
	}{
		{"Ubuntu", KindApt, false},
		{"Debian", KindApt, false},
		{"debian", KindApt, false},
		{" Fedora\n", KindYum, false},
		{`"fedora"`, KindYum, false},
		{"Arch", "", true},
		{"CentOS", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.distro, func(t *testing.T) {
			got, err := Lookup(tt.distro)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, engine.IsUnsupportedPlatform(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTable_ExtraMappings(t *testing.T) {
	table, err := NewTable(map[string]Kind{"CentOS": KindYum, "LinuxMint": KindApt})
	require.NoError(t, err)

	kind, err := table.Lookup("centos")
	require.NoError(t, err)
	assert.Equal(t, KindYum, kind)

	kind, err = table.Lookup("Ubuntu")
	require.NoError(t, err)
	assert.Equal(t, KindApt, kind, "built-in entries still resolve")

	_, err = table.Lookup("Gentoo")
	assert.True(t, engine.IsUnsupportedPlatform(err))

	_, err = NewTable(map[string]Kind{"Alpine": "apk"})
	assert.Error(t, err)
}

func TestKind(t *testing.T) {
	assert.NoError(t, KindApt.Validate())
	assert.Error(t, Kind("pacman").Validate())

	assert.Equal(t, ServiceManagerUpstart, KindApt.DefaultServiceManager())
	assert.Equal(t, ServiceManagerSystemd, KindYum.DefaultServiceManager())

	assert.Equal(t, []string{"apt-get", "install", "-qy", "git"}, KindApt.InstallArgs("git"))
	assert.Equal(t, []string{"yum", "install", "-y", "git"}, KindYum.InstallArgs("git"))
	assert.Equal(t, []string{"rpm", "-q", "nginx"}, KindYum.QueryArgs("nginx"))
	assert.Len(t, KindApt.UpgradeArgs(), 2)

	assert.NoError(t, ServiceManagerSystemd.Validate())
	assert.Error(t, ServiceManager("runit").Validate())
}

func TestDetector_LSBRelease(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]*engine.Result{
		"lsb_release -si": {Stdout: "Ubuntu"},
	}}
	d := NewDetector(exec, nil)

	kind, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindApt, kind)
	assert.Equal(t, "Ubuntu", d.Distribution())

	// Cached: no further remote calls.
	_, err = d.Detect(context.Background())
	require.NoError(t, err)
	assert.Len(t, exec.calls, 1)
}

func TestDetector_OSReleaseFallback(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]*engine.Result{
		"cat /etc/os-release": {Stdout: "NAME=\"Fedora Linux\"\nVERSION_ID=39\nID=fedora\n"},
	}}

	kind, err := NewDetector(exec, nil).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindYum, kind)
	assert.Equal(t, []string{"lsb_release -si", "cat /etc/os-release"}, exec.calls)
}

func TestDetector_Unsupported(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]*engine.Result{
		"lsb_release -si": {Stdout: "Arch"},
	}}
	d := NewDetector(exec, nil)

	_, err := d.Detect(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsUnsupportedPlatform(err))

	_, err = d.Detect(context.Background())
	assert.True(t, engine.IsUnsupportedPlatform(err))
	assert.Len(t, exec.calls, 1, "verdict is cached")
}

func TestDetector_NoIdentifier(t *testing.T) {
	exec := &scriptedExecutor{}
	_, err := NewDetector(exec, nil).Detect(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsUnsupportedPlatform(err))
	assert.Contains(t, err.Error(), "unknown")
}

func TestDetector_TransportFailureNotCached(t *testing.T) {
	exec := &scriptedExecutor{failWith: errors.New("connection reset")}
	d := NewDetector(exec, nil)

	_, err := d.Detect(context.Background())
	require.Error(t, err)
	assert.False(t, engine.IsUnsupportedPlatform(err))

	exec.failWith = nil
	exec.responses = map[string]*engine.Result{"lsb_release -si": {Stdout: "Debian"}}
	kind, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindApt, kind)
}

func TestParseOSReleaseID(t *testing.T) {
	assert.Equal(t, "debian", parseOSReleaseID("PRETTY_NAME=\"Debian\"\nID=debian\n"))
	assert.Equal(t, "rhel", parseOSReleaseID("ID=\"rhel\"\nID_LIKE=\"fedora\"\n"))
	assert.Equal(t, "", parseOSReleaseID("NAME=foo\n"))
}

package ssh

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"nginx", "nginx"},
		{"/etc/nginx/sites-available/django", "/etc/nginx/sites-available/django"},
		{"--bind=127.0.0.1:8000", "--bind=127.0.0.1:8000"},
		{"a b", "'a b'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
		{"a;rm -rf /", "'a;rm -rf /'"},
	}

	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRenderCommand(t *testing.T) {
	tests := []struct {
		name     string
		cmd      engine.Command
		password bool
		want     string
	}{
		{
			name: "login",
			cmd:  engine.Cmd(engine.AsLogin(), "systemctl", "is-active", "nginx"),
			want: "systemctl is-active nginx",
		},
		{
			name: "login with quoting",
			cmd:  engine.Cmd(engine.AsLogin(), "echo", "it's here"),
			want: `echo 'it'\''s here'`,
		},
		{
			name: "login in directory",
			cmd:  engine.Cmd(engine.AsLogin(), "ls").In("/srv/app"),
			want: "sh -c 'cd /srv/app && ls'",
		},
		{
			name: "root",
			cmd:  engine.Cmd(engine.AsRoot(), "useradd", "django"),
			want: "sudo -n sh -c 'useradd django'",
		},
		{
			name:     "root with password",
			cmd:      engine.Cmd(engine.AsRoot(), "true"),
			password: true,
			want:     "sudo -S -p '' sh -c true",
		},
		{
			name: "service user in directory",
			cmd:  engine.Cmd(engine.AsUser("django"), "pip", "install", "-r", "requirements.txt").In("/srv/app"),
			want: "sudo -n -H -u django sh -c 'cd /srv/app && pip install -r requirements.txt'",
		},
		{
			name: "nested quoting",
			cmd:  engine.Cmd(engine.AsRoot(), "sh", "-c", "echo $HOME"),
			want: `sudo -n sh -c 'sh -c '\''echo $HOME'\'''`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderCommand(tt.cmd, tt.password); got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	server := newTestSSHServer(t)
	client := connect(t, server.clientConfig())

	res, err := client.Execute(t.Context(), engine.Cmd(engine.AsLogin(), "echo", "hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 || !res.Success() {
		t.Errorf("expected success, got exit code %d", res.ExitCode)
	}
	if res.Stdout != "hello" {
		t.Errorf("expected stdout 'hello', got %q", res.Stdout)
	}
}

func TestExecuteArgumentsSurviveShell(t *testing.T) {
	server := newTestSSHServer(t)
	client := connect(t, server.clientConfig())

	cmd := engine.Cmd(engine.AsLogin(), "printf", "%s|", "a b", "it's", "$HOME", "", "x;y")
	res, err := client.Execute(t.Context(), cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "a b|it's|$HOME||x;y|"; res.Stdout != want {
		t.Errorf("expected %q, got %q", want, res.Stdout)
	}
}

func TestExecuteInDirectory(t *testing.T) {
	server := newTestSSHServer(t)
	client := connect(t, server.clientConfig())
	dir := t.TempDir()

	res, err := client.Execute(t.Context(), engine.Cmd(engine.AsLogin(), "pwd").In(dir))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != dir {
		t.Errorf("expected %s, got %s", dir, res.Stdout)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	server := newTestSSHServer(t)
	client := connect(t, server.clientConfig())
	script := "echo \"useradd: user 'django' already exists\" >&2; exit 9"

	res, err := client.Execute(t.Context(), engine.Cmd(engine.AsLogin(), "sh", "-c", script))
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !engine.IsRemoteExecution(err) {
		t.Errorf("expected remote execution error, got %v", err)
	}
	if got := engine.Diagnostic(err); got != "useradd: user 'django' already exists" {
		t.Errorf("unexpected diagnostic %q", got)
	}
	if res == nil || res.ExitCode != 9 {
		t.Fatalf("expected result with exit code 9, got %+v", res)
	}

	res, err = client.Execute(t.Context(), engine.Cmd(engine.AsLogin(), "sh", "-c", script).Tolerating())
	if err != nil {
		t.Fatalf("tolerant command returned error: %v", err)
	}
	if res.ExitCode != 9 || res.Success() {
		t.Errorf("expected exit code 9, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "already exists") {
		t.Errorf("expected stderr to be captured, got %q", res.Stderr)
	}
}

func TestExecuteSudoPassword(t *testing.T) {
	server := newTestSSHServer(t)
	server.setHandler(func(line string, stdin io.Reader, stdout, _ io.Writer, _ <-chan string) int {
		password, _ := bufio.NewReader(stdin).ReadString('\n')
		fmt.Fprint(stdout, strings.TrimSpace(password))
		return 0
	})

	cfg := server.clientConfig()
	cfg.SudoPassword = "s3cret"
	client := connect(t, cfg)

	res, err := client.Execute(t.Context(), engine.Cmd(engine.AsRoot(), "systemctl", "restart", "nginx"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "s3cret" {
		t.Errorf("expected the sudo password on stdin, got %q", res.Stdout)
	}

	lines := server.executed()
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "sudo -S -p '' ") {
		t.Errorf("unexpected command line %v", lines)
	}
}

func TestExecuteTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	server.setHandler(func(_ string, _ io.Reader, _, _ io.Writer, signals <-chan string) int {
		for {
			select {
			case sig := <-signals:
				if sig == "TERM" {
					return 143
				}
			case <-time.After(10 * time.Second):
				return 0
			}
		}
	})

	cfg := server.clientConfig()
	cfg.KillGrace = time.Second
	client := connect(t, cfg)

	start := time.Now()
	cmd := engine.Cmd(engine.AsLogin(), "sleep", "60").WithTimeout(200 * time.Millisecond)
	_, err := client.Execute(t.Context(), cmd)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !engine.IsRemoteExecution(err) || !engine.IsTransient(err) {
		t.Errorf("expected transient remote execution error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("command was not cut off promptly: %v", elapsed)
	}
}

func TestExecuteRejectsEmptyCommand(t *testing.T) {
	server := newTestSSHServer(t)
	client := connect(t, server.clientConfig())

	if _, err := client.Execute(t.Context(), engine.Command{}); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := client.Execute(t.Context(), engine.Cmd(engine.AsUser(""), "id")); err == nil {
		t.Error("expected error for user identity without a name")
	}
}

func TestConnectErrors(t *testing.T) {
	t.Run("refused", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to listen: %v", err)
		}
		_, port, _ := net.SplitHostPort(listener.Addr().String())
		_ = listener.Close()

		cfg := DefaultConfig("127.0.0.1", "testuser")
		cfg.Port, _ = strconv.Atoi(port)
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = "testpass"
		cfg.StrictHostKeyChecking = false

		client, err := NewSSHClient(cfg)
		if err != nil {
			t.Fatalf("failed to create client: %v", err)
		}
		err = client.Connect(t.Context())
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError, got %v", err)
		}
		if !te.Temporary() || te.IsAuthError {
			t.Errorf("expected temporary non-auth error, got %+v", te)
		}
	})

	t.Run("bad password", func(t *testing.T) {
		server := newTestSSHServer(t)
		cfg := server.clientConfig()
		cfg.Password = "wrong"

		client, err := NewSSHClient(cfg)
		if err != nil {
			t.Fatalf("failed to create client: %v", err)
		}
		if err := client.Connect(t.Context()); !IsAuthError(err) {
			t.Errorf("expected auth error, got %v", err)
		}
		if client.IsConnected() {
			t.Error("client should not be connected")
		}
	})

	t.Run("unknown host key", func(t *testing.T) {
		server := newTestSSHServer(t)
		other := newTestSSHServer(t)

		cfg := server.clientConfig()
		cfg.StrictHostKeyChecking = true
		cfg.KnownHostsPath = other.writeKnownHosts(t)

		client, err := NewSSHClient(cfg)
		if err != nil {
			t.Fatalf("failed to create client: %v", err)
		}
		if err := client.Connect(t.Context()); err == nil {
			t.Error("expected host key mismatch to fail")
		}
	})
}

func TestKnownHosts(t *testing.T) {
	server := newTestSSHServer(t)
	cfg := server.clientConfig()
	cfg.StrictHostKeyChecking = true
	cfg.KnownHostsPath = server.writeKnownHosts(t)

	client := connect(t, cfg)
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestHealthCheckAndDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connect(t, server.clientConfig())

	if err := client.HealthCheck(t.Context()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	info := client.GetConnectionInfo()
	if info.User != "testuser" || info.ConnectedAt.IsZero() || info.Proxy != "" {
		t.Errorf("unexpected connection info %+v", info)
	}

	// reconnecting a live client is a no-op
	if err := client.Connect(t.Context()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.HealthCheck(t.Context()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}
	if _, err := client.Execute(t.Context(), engine.Cmd(engine.AsLogin(), "true")); err == nil {
		t.Error("expected execute to fail after disconnect")
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second disconnect should be a no-op, got %v", err)
	}
}

func TestConnectViaProxy(t *testing.T) {
	target := newTestSSHServer(t)
	jump := newTestSSHServer(t)

	cfg := target.clientConfig()
	proxyHost, proxyPort, _ := net.SplitHostPort(jump.addr)
	cfg.ProxyHost = proxyHost
	cfg.ProxyPort, _ = strconv.Atoi(proxyPort)
	cfg.ProxyUser = "testuser"

	// the jump server does not forward direct-tcpip channels
	client, err := NewSSHClient(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = client.Connect(t.Context())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect-via-proxy" {
		t.Fatalf("expected connect-via-proxy error, got %v", err)
	}
}

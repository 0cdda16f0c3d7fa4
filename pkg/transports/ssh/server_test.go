package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// execHandler runs one exec request and returns its exit status.
type execHandler func(line string, stdin io.Reader, stdout, stderr io.Writer, signals <-chan string) int

// testSSHServer is a minimal in-process SSH server. Exec requests go to
// the handler; the sftp subsystem serves the local filesystem.
type testSSHServer struct {
	t        *testing.T
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
	addr     string

	mu      sync.Mutex
	handler execHandler
	lines   []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	hostPub, hostSigner, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSSHServer{
		t:        t,
		listener: listener,
		config:   config,
		hostKey:  hostPub,
		addr:     listener.Addr().String(),
		handler:  runLocally,
	}
	t.Cleanup(func() { _ = listener.Close() })

	go s.serve()
	return s
}

// setHandler replaces the exec handler.
func (s *testSSHServer) setHandler(h execHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// executed returns every exec line received so far.
func (s *testSSHServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// clientConfig returns a password-authenticated client config for the server.
func (s *testSSHServer) clientConfig() *Config {
	host, portStr, _ := net.SplitHostPort(s.addr)
	port, _ := strconv.Atoi(portStr)

	cfg := DefaultConfig(host, "testuser")
	cfg.Port = port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "testpass"
	cfg.StrictHostKeyChecking = false
	cfg.KeepAliveInterval = 0
	return cfg
}

// writeKnownHosts writes a known_hosts file trusting the server key.
func (s *testSSHServer) writeKnownHosts(t *testing.T) string {
	t.Helper()
	host, port, _ := net.SplitHostPort(s.addr)
	line := fmt.Sprintf("[%s]:%s %s", host, port, ssh.MarshalAuthorizedKey(s.hostKey))
	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}
	return path
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	signals := make(chan string, 4)
	started := false

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || started {
				_ = req.Reply(false, nil)
				continue
			}
			started = true
			_ = req.Reply(true, nil)

			s.mu.Lock()
			s.lines = append(s.lines, payload.Command)
			handler := s.handler
			s.mu.Unlock()

			go func() {
				code := handler(payload.Command, channel, channel, channel.Stderr(), signals)
				status := struct{ Status uint32 }{uint32(code)}
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
				_ = channel.Close()
			}()

		case "signal":
			var payload struct{ Signal string }
			if err := ssh.Unmarshal(req.Payload, &payload); err == nil {
				select {
				case signals <- payload.Signal:
				default:
				}
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(channel)
				if err == nil {
					_ = server.Serve()
				}
				_ = channel.Close()
			}()

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// runLocally executes the line with the local shell.
func runLocally(line string, stdin io.Reader, stdout, stderr io.Writer, _ <-chan string) int {
	cmd := exec.Command("/bin/sh", "-c", line)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	default:
		return 127
	}
}

// generateTestKey generates an ED25519 key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// writeTestPrivateKey writes a fresh unencrypted OpenSSH private key.
func writeTestPrivateKey(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path, privKey
}

// connect returns a connected client for the server.
func connect(t *testing.T, cfg *Config) *SSHClient {
	t.Helper()
	client, err := NewSSHClient(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(t.Context()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient is an engine.Host backed by one SSH connection, optionally
// tunnelled through a jump host.
type SSHClient struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	proxyClient *ssh.Client
	closers     []io.Closer
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewSSHClient creates a new SSH client. Call Connect before use.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes the SSH connection.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	targetConfig, closer, err := c.config.BuildSSHClientConfig(c.config.User)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	c.closers = append(c.closers, closer)

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, targetConfig)
	} else {
		err = c.connectDirect(ctx, targetConfig)
	}
	if err != nil {
		c.closeLocked()
		return err
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

// handshake runs the SSH handshake over conn. A handshake failure after
// the TCP connection succeeded is most often an authentication problem.
func handshake(conn net.Conn, address string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

// connectDirect establishes a direct SSH connection.
func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	client, err := handshake(conn, address, clientConfig)
	if err != nil {
		return err
	}
	c.client = client

	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaProxy establishes an SSH connection through a jump host.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyAddress := c.config.ProxyAddress()
	proxyConfig, closer, err := c.config.BuildSSHClientConfig(c.config.ProxyUser)
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
	}
	c.closers = append(c.closers, closer)

	log.Debug().Str("proxy", proxyAddress).Msg("connecting to proxy host")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddress)
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}
	proxyClient, err := handshake(conn, proxyAddress, proxyConfig)
	if err != nil {
		return err
	}
	c.proxyClient = proxyClient

	targetAddress := c.config.Address()
	log.Debug().Str("target", targetAddress).Msg("connecting to target through proxy")

	tunnel, err := proxyClient.DialContext(ctx, "tcp", targetAddress)
	if err != nil {
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}
	client, err := handshake(tunnel, targetAddress, targetConfig)
	if err != nil {
		return err
	}
	c.client = client

	log.Info().Str("target", targetAddress).Str("proxy", proxyAddress).Msg("SSH connection established via proxy")
	return nil
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// closeLocked tears down every connection; the caller holds connMu.
func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}

	var first error
	if c.client != nil {
		first = c.client.Close()
		c.client = nil
	}
	if c.proxyClient != nil {
		_ = c.proxyClient.Close()
		c.proxyClient = nil
	}
	for _, closer := range c.closers {
		_ = closer.Close()
	}
	c.closers = nil
	c.isConnected = false
	return first
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}

	return c.healthCheckInternal()
}

// healthCheckInternal runs "true" in a fresh session; the caller holds connMu.
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}

	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		Proxy:        c.config.ProxyAddress(),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}

	c.lastUsedAt = time.Now()
	return c.client, nil
}

// Package ssh implements engine.Host over a single SSH connection: commands
// run in sessions under the identity they name, artifacts travel over SFTP
// and token substitution is done remotely with sed.
package ssh

import (
	"errors"
	"time"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

var _ engine.Host = (*SSHClient)(nil)

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host string
	Port int
	User string

	// Proxy is the jump host address, empty for direct connections.
	Proxy string

	ConnectedAt  time.Time
	LastActivity time.Time
}

// TransportError represents an error from the transport layer, as opposed
// to a command that ran and failed.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsAuthError reports whether err is a transport authentication failure.
func IsAuthError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}

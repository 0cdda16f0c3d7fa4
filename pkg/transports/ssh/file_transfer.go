package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/dwurf/django-gunicorn-nginx/pkg/engine"
)

// stagingDir holds elevated uploads until they are installed.
const stagingDir = "/tmp"

// Upload implements engine.Transferer. Unprivileged artifacts are written
// in place over SFTP. Elevated artifacts are staged under /tmp as the
// login user and moved into place by root with install(1), so the
// destination is never observed half written.
func (c *SSHClient) Upload(ctx context.Context, artifact engine.Artifact) error {
	start := time.Now()
	mode := artifact.Mode.Perm()
	if mode == 0 {
		mode = 0o644
	}

	log.Debug().
		Str("artifact", artifact.Name).
		Str("remote", artifact.Destination).
		Str("mode", fmt.Sprintf("%04o", mode)).
		Bool("elevated", artifact.Elevated).
		Msg("uploading file")

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	target := artifact.Destination
	if artifact.Elevated {
		target = path.Join(stagingDir, ".djangoprov-"+uuid.New().String())
		defer func() {
			if err := sftpClient.Remove(target); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", target).Msg("failed to remove staged upload")
			}
		}()
	}

	written, err := writeRemote(ctx, sftpClient, target, artifact.Content, mode)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("%s: %w", artifact.Destination, err),
			IsTemporary: ctx.Err() == nil,
		}
	}

	if artifact.Elevated {
		install := engine.Cmd(engine.AsRoot(),
			"install", "-m", fmt.Sprintf("%04o", mode), "-o", "root", "-g", "root", target, artifact.Destination)
		if _, err := c.Execute(ctx, install); err != nil {
			return err
		}
	}

	log.Debug().
		Str("remote", artifact.Destination).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("file uploaded")

	return nil
}

// writeRemote creates or truncates p and writes content to it with mode.
func writeRemote(ctx context.Context, client *sftp.Client, p string, content []byte, mode os.FileMode) (int64, error) {
	f, err := client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file: %w", err)
	}
	defer f.Close()

	if err := f.Chmod(mode); err != nil {
		return 0, fmt.Errorf("failed to set permissions: %w", err)
	}

	written, err := copyWithContext(ctx, f, bytes.NewReader(content))
	if err != nil {
		return written, fmt.Errorf("failed to write remote file: %w", err)
	}
	return written, f.Close()
}

// Substitute implements engine.Substituter by running sed -i on the host.
func (c *SSHClient) Substitute(ctx context.Context, p, token, value string, elevated bool) error {
	as := engine.AsLogin()
	if elevated {
		as = engine.AsRoot()
	}
	_, err := c.Execute(ctx, engine.Cmd(as, "sed", "-i", SedExpression(token, value), p))
	return err
}

// SedExpression builds an s command replacing every literal occurrence of
// token with value.
func SedExpression(token, value string) string {
	pattern := strings.NewReplacer(
		`\`, `\\`, `/`, `\/`, `.`, `\.`, `*`, `\*`,
		`[`, `\[`, `]`, `\]`, `^`, `\^`, `$`, `\$`,
	).Replace(token)
	replacement := strings.NewReplacer(
		`\`, `\\`, `/`, `\/`, `&`, `\&`, "\n", `\n`,
	).Replace(value)
	return "s/" + pattern + "/" + replacement + "/g"
}

// createSFTPClient opens an SFTP subsystem on the connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

// copyWithContext copies src to dst, checking for cancellation between
// chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

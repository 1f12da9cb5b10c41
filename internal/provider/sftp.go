package provider

import (
	"context"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/patelg123/cumulus/cumulustypes"
	"github.com/patelg123/cumulus/errors"
)

const (
	sftpDefaultPort = 22
	sftpDialTimeout = 30 * time.Second
)

// sftpAdapter fetches files over SSH.
type sftpAdapter struct {
	provider cumulustypes.Provider
	sshConn  *ssh.Client
	client   *sftp.Client
}

func newSFTP(p cumulustypes.Provider) *sftpAdapter {
	return &sftpAdapter{provider: p}
}

// Connect dials the SSH transport and opens an SFTP subsystem session.
func (a *sftpAdapter) Connect(ctx context.Context) error {
	config := &ssh.ClientConfig{
		User: a.provider.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(a.provider.Password),
		},
		// Provider host keys are not distributed with granule metadata;
		// trust is anchored at the provider configuration instead.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         sftpDialTimeout,
	}

	addr := hostPort(a.provider, sftpDefaultPort)

	dialer := net.Dialer{Timeout: sftpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return normalize("connect", a.provider.ID, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return errors.NewProviderError("connect", a.provider.ID, errors.ErrConnectionRefused).
			WithMessage("ssh handshake failed")
	}
	a.sshConn = ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(a.sshConn)
	if err != nil {
		_ = a.sshConn.Close()
		a.sshConn = nil
		return errors.NewProviderError("connect", a.provider.ID, errors.ErrConnectionRefused).
			WithMessage("sftp subsystem rejected")
	}
	a.client = client
	return nil
}

// List enumerates the regular files under dir, relative to the provider base
// path.
func (a *sftpAdapter) List(ctx context.Context, dir string) ([]RemoteFile, error) {
	_ = ctx // the session carries the dial deadline

	full := path.Join(a.provider.BasePath, dir)
	infos, err := a.client.ReadDir(full)
	if err != nil {
		return nil, a.mapError("list", err)
	}

	files := make([]RemoteFile, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		files = append(files, RemoteFile{
			Path: path.Join(full, info.Name()),
			Name: info.Name(),
			Size: info.Size(),
		})
	}
	return files, nil
}

// Fetch streams one file through the SFTP session.
func (a *sftpAdapter) Fetch(ctx context.Context, remote RemoteFile, dst io.Writer) (int64, error) {
	file, err := a.client.Open(remote.Path)
	if err != nil {
		return 0, a.mapError("fetch", err)
	}
	defer file.Close()

	n, err := io.Copy(dst, readerWithContext(ctx, file))
	if err != nil {
		return n, a.mapError("fetch", err)
	}
	return n, nil
}

// Teardown closes the SFTP session and SSH transport. Safe after a failed
// Connect.
func (a *sftpAdapter) Teardown() error {
	var firstErr error
	if a.client != nil {
		firstErr = a.client.Close()
		a.client = nil
	}
	if a.sshConn != nil {
		if err := a.sshConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.sshConn = nil
	}
	if firstErr != nil {
		return normalize("teardown", a.provider.ID, firstErr)
	}
	return nil
}

// mapError translates SFTP status errors into the engine taxonomy.
func (a *sftpAdapter) mapError(op string, err error) error {
	if os.IsNotExist(err) {
		return errors.NewProviderError(op, a.provider.ID, errors.ErrNotFound).
			WithMessage("no such remote file")
	}
	if os.IsPermission(err) {
		return errors.NewProviderError(op, a.provider.ID, errors.ErrConnectionRefused).
			WithMessage("remote permission denied")
	}
	return normalize(op, a.provider.ID, err)
}

// ctxReader cancels an in-flight stream copy when the invocation context
// ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p) //nolint:wrapcheck // io.Reader contract
}

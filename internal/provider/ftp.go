package provider

import (
	"context"
	stderrors "errors"
	"io"
	"net/textproto"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/patelg123/cumulus/cumulustypes"
	"github.com/patelg123/cumulus/errors"
)

const (
	ftpDefaultPort = 21
	ftpDialTimeout = 30 * time.Second

	// Anonymous credentials used when the provider declares none.
	ftpAnonymousUser = "anonymous"
	ftpAnonymousPass = "anonymous"
)

// ftpAdapter fetches files over plain FTP.
type ftpAdapter struct {
	provider cumulustypes.Provider
	conn     *ftp.ServerConn
}

func newFTP(p cumulustypes.Provider) *ftpAdapter {
	return &ftpAdapter{provider: p}
}

// Connect dials and authenticates the control connection.
func (a *ftpAdapter) Connect(ctx context.Context) error {
	conn, err := ftp.Dial(
		hostPort(a.provider, ftpDefaultPort),
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(ftpDialTimeout),
	)
	if err != nil {
		return normalize("connect", a.provider.ID, err)
	}

	user, pass := a.provider.Username, a.provider.Password
	if user == "" {
		user, pass = ftpAnonymousUser, ftpAnonymousPass
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return errors.NewProviderError("connect", a.provider.ID, errors.ErrConnectionRefused).
			WithMessage("ftp login rejected")
	}

	a.conn = conn
	return nil
}

// List enumerates the regular files under dir, relative to the provider base
// path.
func (a *ftpAdapter) List(ctx context.Context, dir string) ([]RemoteFile, error) {
	_ = ctx // the control connection carries the dial context deadline

	full := path.Join(a.provider.BasePath, dir)
	entries, err := a.conn.List(full)
	if err != nil {
		return nil, a.mapError("list", err)
	}

	files := make([]RemoteFile, 0, len(entries))
	for _, entry := range entries {
		if entry.Type != ftp.EntryTypeFile {
			continue
		}
		files = append(files, RemoteFile{
			Path: path.Join(full, entry.Name),
			Name: entry.Name,
			Size: int64(entry.Size),
		})
	}
	return files, nil
}

// Fetch streams one file over the data connection.
func (a *ftpAdapter) Fetch(ctx context.Context, remote RemoteFile, dst io.Writer) (int64, error) {
	resp, err := a.conn.Retr(remote.Path)
	if err != nil {
		return 0, a.mapError("fetch", err)
	}
	defer resp.Close()

	// Abort the transfer when the invocation is cancelled, whether by
	// deadline or by an explicit cancel.
	if deadline, ok := ctx.Deadline(); ok {
		_ = resp.SetDeadline(deadline)
	}

	n, err := io.Copy(dst, readerWithContext(ctx, resp))
	if err != nil {
		return n, a.mapError("fetch", err)
	}
	return n, nil
}

// Teardown closes the control connection. Safe after a failed Connect.
func (a *ftpAdapter) Teardown() error {
	if a.conn == nil {
		return nil
	}
	conn := a.conn
	a.conn = nil
	if err := conn.Quit(); err != nil {
		return normalize("teardown", a.provider.ID, err)
	}
	return nil
}

// mapError translates FTP reply codes into the engine taxonomy.
func (a *ftpAdapter) mapError(op string, err error) error {
	var proto *textproto.Error
	if stderrors.As(err, &proto) {
		switch proto.Code {
		case ftp.StatusFileUnavailable, ftp.StatusFileActionIgnored:
			return errors.NewProviderError(op, a.provider.ID, errors.ErrNotFound).
				WithMessage(proto.Msg)
		case ftp.StatusNotLoggedIn:
			return errors.NewProviderError(op, a.provider.ID, errors.ErrConnectionRefused).
				WithMessage(proto.Msg)
		}
	}
	return normalize(op, a.provider.ID, err)
}

// Package provider implements the protocol adapters granule files are
// fetched through.
//
// Every adapter exposes the same capability set (connect, list, fetch-one,
// teardown) over its wire protocol, and normalizes transport failures into
// the engine's small error taxonomy so upstream retry logic needs no
// per-protocol knowledge. Adapters stream file bytes; none of them buffers a
// whole file in memory.
package provider

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"

	"github.com/patelg123/cumulus/cumulustypes"
	"github.com/patelg123/cumulus/errors"
	"github.com/patelg123/cumulus/internal/awsapi"
)

// RemoteFile describes one file at the provider endpoint.
type RemoteFile struct {
	// Path locates the file at the provider (path, URL path, or object key).
	Path string

	// Name is the file's base name.
	Name string

	// Size is the provider-reported size in bytes, zero when unknown.
	Size int64
}

// Adapter is the uniform transfer contract over one provider protocol.
type Adapter interface {
	// Connect establishes the provider session. Auth and network failures
	// normalize to ErrConnectionRefused or ErrTimeout.
	Connect(ctx context.Context) error

	// List enumerates the remote files under dir. The listing is finite.
	List(ctx context.Context, dir string) ([]RemoteFile, error)

	// Fetch streams one remote file into dst, returning the bytes written.
	Fetch(ctx context.Context, remote RemoteFile, dst io.Writer) (int64, error)

	// Teardown closes the session. It is idempotent and safe to call even
	// after a failed Connect.
	Teardown() error
}

// ServerSideCopier is the optional capability of adapters whose source and
// destination share a storage system, letting the orchestrator prefer a
// server-side copy over download+upload.
type ServerSideCopier interface {
	// CopyTo copies a remote file directly to the staging location.
	CopyTo(ctx context.Context, remote RemoteFile, bucket, key string) error
}

// Deps carries the shared clients adapters are built from.
type Deps struct {
	// S3 backs the s3 protocol adapter.
	S3 awsapi.S3API
}

// Resolve selects the adapter for a provider by its protocol tag. Unknown
// tags fail fast with ErrUnsupportedProtocol before any network activity.
func Resolve(p cumulustypes.Provider, deps Deps) (Adapter, error) {
	if p.ID == "" || p.Host == "" {
		return nil, errors.NewProviderError("resolve", p.ID, errors.ErrProviderNotFound).
			WithMessage("provider configuration is missing id or host")
	}

	switch p.Protocol {
	case cumulustypes.ProtocolFTP:
		return newFTP(p), nil
	case cumulustypes.ProtocolSFTP:
		return newSFTP(p), nil
	case cumulustypes.ProtocolHTTP, cumulustypes.ProtocolHTTPS:
		return newHTTP(p), nil
	case cumulustypes.ProtocolS3:
		if deps.S3 == nil {
			return nil, errors.NewProviderError("resolve", p.ID, errors.ErrProviderNotFound).
				WithMessage("no s3 client configured for s3 provider")
		}
		return newS3(p, deps.S3), nil
	}

	return nil, errors.NewProviderError("resolve", p.ID, errors.ErrUnsupportedProtocol).
		WithMessage(fmt.Sprintf("no adapter for protocol %q", p.Protocol))
}

// Verify every adapter satisfies the uniform contract, and that the s3
// adapter carries the server-side copy capability.
var (
	_ Adapter          = (*ftpAdapter)(nil)
	_ Adapter          = (*sftpAdapter)(nil)
	_ Adapter          = (*httpAdapter)(nil)
	_ Adapter          = (*s3Adapter)(nil)
	_ ServerSideCopier = (*s3Adapter)(nil)
)

// hostPort joins a provider's host and port, applying the protocol default
// when no port is configured.
func hostPort(p cumulustypes.Provider, defaultPort int) string {
	port := p.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(p.Host, fmt.Sprintf("%d", port))
}

// normalize maps a transport error onto the engine taxonomy. Adapter code
// maps protocol-specific not-found and auth failures before falling back
// here.
func normalize(op, providerID string, err error) error {
	if err == nil {
		return nil
	}

	var ingestErr *errors.Error
	if stderrors.As(err, &ingestErr) {
		// Already normalized.
		return err
	}

	wrapped := errors.ErrTransientIO
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		wrapped = errors.ErrTimeout
	case isNetTimeout(err):
		wrapped = errors.ErrTimeout
	case isConnectionRefused(err):
		wrapped = errors.ErrConnectionRefused
	}

	return errors.NewProviderError(op, providerID, fmt.Errorf("%w: %w", wrapped, err))
}

// isNetTimeout checks for net-level timeout errors.
func isNetTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// isConnectionRefused checks for dial-level rejections.
func isConnectionRefused(err error) bool {
	var opErr *net.OpError
	return stderrors.As(err, &opErr) && opErr.Op == "dial"
}

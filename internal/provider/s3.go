package provider

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/patelg123/cumulus/cumulustypes"
	"github.com/patelg123/cumulus/errors"
	"github.com/patelg123/cumulus/internal/awsapi"
)

// s3Adapter fetches objects from a source S3 bucket. When the destination is
// also S3 it copies server-side instead of moving bytes through the engine,
// via the ServerSideCopier capability.
type s3Adapter struct {
	provider cumulustypes.Provider
	client   awsapi.S3API
}

func newS3(p cumulustypes.Provider, client awsapi.S3API) *s3Adapter {
	return &s3Adapter{provider: p, client: client}
}

// Connect is a no-op: the shared S3 client carries its own credential chain
// and connection pool. Failures surface on the first operation, normalized.
func (a *s3Adapter) Connect(context.Context) error {
	return nil
}

// List enumerates the objects under dir in the source bucket, paginating
// until the listing is exhausted.
func (a *s3Adapter) List(ctx context.Context, dir string) ([]RemoteFile, error) {
	prefix := strings.TrimPrefix(path.Join(a.provider.BasePath, dir), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var files []RemoteFile
	var continuation *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.provider.Host),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, a.mapError("list", err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			files = append(files, RemoteFile{
				Path: key,
				Name: path.Base(key),
				Size: aws.ToInt64(obj.Size),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return files, nil
}

// Fetch streams one object's bytes into dst. Used when the incoming file
// must pass through the engine, e.g. for digest verification.
func (a *s3Adapter) Fetch(ctx context.Context, remote RemoteFile, dst io.Writer) (int64, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.provider.Host),
		Key:    aws.String(remote.Path),
	})
	if err != nil {
		return 0, a.mapError("fetch", err)
	}
	defer out.Body.Close()

	n, err := io.Copy(dst, out.Body)
	if err != nil {
		return n, a.mapError("fetch", err)
	}
	return n, nil
}

// CopyTo implements ServerSideCopier with a single CopyObject call; no bytes
// move through the engine.
func (a *s3Adapter) CopyTo(ctx context.Context, remote RemoteFile, bucket, key string) error {
	source := a.provider.Host + "/" + remote.Path
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		CopySource: aws.String(url.PathEscape(source)),
	})
	if err != nil {
		return a.mapError("copy", err)
	}
	return nil
}

// Teardown is a no-op: the S3 client is shared and outlives the session.
func (a *s3Adapter) Teardown() error {
	return nil
}

// mapError translates S3 API errors into the engine taxonomy.
func (a *s3Adapter) mapError(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchBucket") {
		return errors.NewProviderError(op, a.provider.ID, errors.ErrNotFound).WithMessage(msg)
	}
	if strings.Contains(msg, "AccessDenied") {
		return errors.NewProviderError(op, a.provider.ID, errors.ErrConnectionRefused).WithMessage(msg)
	}
	return normalize(op, a.provider.ID, err)
}

// Package staging implements the shared staging area granule files are
// copied into.
//
// The staging area is addressed by (bucket, key). Uploads stream through the
// S3 transfer manager so large files are never buffered in memory, and each
// staged object carries its digest as object metadata so later invocations
// can compare incoming files against what is already staged.
package staging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"

	"github.com/patelg123/cumulus/errors"
	"github.com/patelg123/cumulus/internal/awsapi"
)

// Object metadata keys recording the staged digest.
const (
	metaChecksum     = "ingest-checksum"
	metaChecksumType = "ingest-checksum-type"
)

// DefaultContentType is used when content type detection fails.
const DefaultContentType = "application/octet-stream"

// Object describes a file already present in the staging area.
type Object struct {
	// Bucket and Key address the object.
	Bucket string
	Key    string

	// Size is the object size in bytes.
	Size int64

	// ETag is the storage-system entity tag.
	ETag string

	// Checksum and ChecksumType are the digest recorded when the object was
	// staged, when available.
	Checksum     string
	ChecksumType string

	// LastModified is when the object was last written.
	LastModified time.Time
}

// Store performs staging-area operations against S3.
type Store struct {
	client   awsapi.S3API
	uploader *manager.Uploader
}

// New creates a Store backed by the given S3 client.
func New(client awsapi.S3API) *Store {
	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

// Head retrieves the staged object at (bucket, key), or nil when no object
// exists there. Errors other than not-found are returned as-is.
func (s *Store) Head(ctx context.Context, bucket, key string) (*Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.NewObjectError("head", bucket, key, err)
	}

	obj := &Object{
		Bucket:       bucket,
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}
	if out.Metadata != nil {
		obj.Checksum = out.Metadata[metaChecksum]
		obj.ChecksumType = out.Metadata[metaChecksumType]
	}
	return obj, nil
}

// Upload streams a scratch file into the staging area, recording its digest
// as object metadata. The upload switches to multipart automatically for
// large files.
func (s *Store) Upload(
	ctx context.Context,
	fsys billy.Filesystem,
	scratchPath, bucket, key, sum, sumType string,
) error {
	file, err := fsys.Open(scratchPath)
	if err != nil {
		return errors.NewObjectError("stage", bucket, key, err).WithMessage("failed to open scratch file")
	}
	defer file.Close()

	metadata := map[string]string{}
	if sum != "" {
		metadata[metaChecksum] = sum
		metadata[metaChecksumType] = sumType
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(detectContentType(fsys, scratchPath)),
		Metadata:    metadata,
	})
	if err != nil {
		return errors.NewObjectError("stage", bucket, key, err)
	}
	return nil
}

// VersionKey derives a disambiguated destination key so a versioned incoming
// file never collides with the object already staged at key.
func VersionKey(key string, now time.Time) string {
	return fmt.Sprintf("%s.v%d", key, now.UnixMilli())
}

// detectContentType sniffs the first bytes of the scratch file, falling back
// to the default type when the file cannot be read.
func detectContentType(fsys billy.Filesystem, path string) string {
	file, err := fsys.Open(path)
	if err != nil {
		return DefaultContentType
	}
	defer file.Close()

	buf := make([]byte, 512)
	n, _ := file.Read(buf)
	if n > 0 {
		if mt := mimetype.Detect(buf[:n]); mt != nil {
			return mt.String()
		}
	}
	return DefaultContentType
}

// isNotFound checks if an error indicates that an object was not found.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey")
}

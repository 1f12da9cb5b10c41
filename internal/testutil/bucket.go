package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/patelg123/cumulus/internal/awsapi"
)

// StoredObject is one object held by the in-memory bucket fake.
type StoredObject struct {
	Body         []byte
	ContentType  string
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
}

// Bucket is an in-memory S3 fake that behaves like a real staging bucket:
// puts are recorded, heads report size, etag, and metadata, and server-side
// copies duplicate stored objects. It is safe for concurrent use.
type Bucket struct {
	mu      sync.Mutex
	objects map[string]StoredObject

	// Call counters for asserting which path the orchestrator took.
	PutCalls  int
	CopyCalls int
	HeadCalls int
}

// Interface guard.
var _ awsapi.S3API = (*Bucket)(nil)

// NewBucket creates an empty in-memory bucket fake.
func NewBucket() *Bucket {
	return &Bucket{objects: make(map[string]StoredObject)}
}

// Seed places an object directly into the fake, bypassing the S3 surface.
func (b *Bucket) Seed(bucket, key string, body []byte, metadata map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(bucket, key, body, "", metadata)
}

// Object returns a stored object and whether it exists.
func (b *Bucket) Object(bucket, key string) (StoredObject, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[objectKey(bucket, key)]
	return obj, ok
}

// Len returns the number of stored objects.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// PutObject stores the request body.
func (b *Bucket) PutObject(
	_ context.Context,
	params *s3.PutObjectInput,
	_ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	var body []byte
	if params.Body != nil {
		var err error
		body, err = io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.PutCalls++
	obj := b.put(aws.ToString(params.Bucket), aws.ToString(params.Key), body,
		aws.ToString(params.ContentType), params.Metadata)
	return &s3.PutObjectOutput{ETag: aws.String(obj.ETag)}, nil
}

// GetObject streams a stored object.
func (b *Bucket) GetObject(
	_ context.Context,
	params *s3.GetObjectInput,
	_ ...func(*s3.Options),
) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	obj, ok := b.objects[objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))]
	b.mu.Unlock()
	if !ok {
		return nil, notFound(aws.ToString(params.Key))
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.Body)),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		ETag:          aws.String(obj.ETag),
	}, nil
}

// HeadObject reports a stored object's size, etag, and metadata.
func (b *Bucket) HeadObject(
	_ context.Context,
	params *s3.HeadObjectInput,
	_ ...func(*s3.Options),
) (*s3.HeadObjectOutput, error) {
	b.mu.Lock()
	b.HeadCalls++
	obj, ok := b.objects[objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))]
	b.mu.Unlock()
	if !ok {
		return nil, notFound(aws.ToString(params.Key))
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.Body))),
		ETag:          aws.String(obj.ETag),
		Metadata:      obj.Metadata,
		LastModified:  aws.Time(obj.LastModified),
	}, nil
}

// CopyObject duplicates a stored object server-side. The copy source is the
// path-escaped "bucket/key" form the SDK expects.
func (b *Bucket) CopyObject(
	_ context.Context,
	params *s3.CopyObjectInput,
	_ ...func(*s3.Options),
) (*s3.CopyObjectOutput, error) {
	source, err := url.PathUnescape(aws.ToString(params.CopySource))
	if err != nil {
		return nil, err
	}
	srcBucket, srcKey, ok := strings.Cut(source, "/")
	if !ok {
		return nil, fmt.Errorf("malformed copy source %q", source)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.CopyCalls++
	src, found := b.objects[objectKey(srcBucket, srcKey)]
	if !found {
		return nil, notFound(srcKey)
	}
	obj := b.put(aws.ToString(params.Bucket), aws.ToString(params.Key), src.Body,
		src.ContentType, src.Metadata)
	return &s3.CopyObjectOutput{
		CopyObjectResult: &types.CopyObjectResult{ETag: aws.String(obj.ETag)},
	}, nil
}

// ListObjectsV2 lists stored keys under a prefix in one page.
func (b *Bucket) ListObjectsV2(
	_ context.Context,
	params *s3.ListObjectsV2Input,
	_ ...func(*s3.Options),
) (*s3.ListObjectsV2Output, error) {
	bucket := aws.ToString(params.Bucket)
	prefix := aws.ToString(params.Prefix)

	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for composite := range b.objects {
		objBucket, key, _ := strings.Cut(composite, "\x00")
		if objBucket == bucket && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	contents := make([]types.Object, 0, len(keys))
	for _, key := range keys {
		obj := b.objects[objectKey(bucket, key)]
		contents = append(contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.Body))),
			ETag:         aws.String(obj.ETag),
			LastModified: aws.Time(obj.LastModified),
		})
	}
	return &s3.ListObjectsV2Output{
		Contents: contents,
		KeyCount: aws.Int32(int32(len(contents))),
	}, nil
}

// CreateMultipartUpload is accepted but unused; the fake's uploads are small
// enough to stay single-part.
func (b *Bucket) CreateMultipartUpload(
	_ context.Context,
	params *s3.CreateMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		UploadId: aws.String("upload-1"),
	}, nil
}

// UploadPart is accepted but unused.
func (b *Bucket) UploadPart(
	_ context.Context,
	_ *s3.UploadPartInput,
	_ ...func(*s3.Options),
) (*s3.UploadPartOutput, error) {
	return &s3.UploadPartOutput{ETag: aws.String("part-etag")}, nil
}

// CompleteMultipartUpload is accepted but unused.
func (b *Bucket) CompleteMultipartUpload(
	_ context.Context,
	params *s3.CompleteMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.CompleteMultipartUploadOutput, error) {
	return &s3.CompleteMultipartUploadOutput{
		Bucket: params.Bucket,
		Key:    params.Key,
	}, nil
}

// AbortMultipartUpload is accepted but unused.
func (b *Bucket) AbortMultipartUpload(
	_ context.Context,
	_ *s3.AbortMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

// put stores an object under the lock and returns it.
func (b *Bucket) put(bucket, key string, body []byte, contentType string, metadata map[string]string) StoredObject {
	sum := md5.Sum(body)
	obj := StoredObject{
		Body:         append([]byte(nil), body...),
		ContentType:  contentType,
		Metadata:     cloneMetadata(metadata),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: time.Now(),
	}
	b.objects[objectKey(bucket, key)] = obj
	return obj
}

func objectKey(bucket, key string) string {
	return bucket + "\x00" + key
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	clone := make(map[string]string, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	return clone
}

// notFoundError mimics the SDK's wrapped NotFound responses closely enough
// for the engine's detection.
type notFoundError struct{ key string }

func (e *notFoundError) Error() string {
	return fmt.Sprintf("operation error S3: NotFound, key %s does not exist", e.key)
}

func notFound(key string) error {
	return &notFoundError{key: key}
}

package cumulus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patelg123/cumulus/cumulustypes"
	"github.com/patelg123/cumulus/errors"
	"github.com/patelg123/cumulus/internal/lock"
	"github.com/patelg123/cumulus/internal/testutil"
)

// Payloads served by the fake provider, with their real digests.
const (
	payloadV1       = "MOD09GQ granule bytes v1"
	payloadV1SHA256 = "70892f0b31205ba8ad62fb1105597b0ee65e821af3229d1315bb124d1203cef9"
	payloadV2       = "MOD09GQ granule bytes v2"
	payloadV2SHA256 = "faa923be9e46ded441966330be8ad57912413ac9a7dea836a77e9005d20631c4"
	payloadSecond   = "second file payload"
)

// newProviderServer serves a fixed set of files over HTTP.
func newProviderServer(t *testing.T, files map[string]string) (*httptest.Server, cumulustypes.Provider) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return srv, cumulustypes.Provider{
		ID:       "test-provider",
		Protocol: cumulustypes.ProtocolHTTP,
		Host:     u.Hostname(),
		Port:     port,
	}
}

func newTestEngine(bucket *testutil.Bucket, opts ...cumulustypes.Option) *Engine {
	opts = append([]cumulustypes.Option{WithScratchFilesystem(memfs.New())}, opts...)
	return NewWithClients(bucket, nil, opts...)
}

func baseRequest(provider cumulustypes.Provider, mode cumulustypes.DuplicateHandling, files ...cumulustypes.File) Request {
	return Request{
		Granule: cumulustypes.Granule{
			GranuleID: "MOD09GQ.A2017025.h21v00.006",
			DataType:  "MOD09GQ",
			Files:     files,
		},
		Provider: provider,
		Collection: cumulustypes.Collection{
			Name:              "MOD09GQ",
			Version:           "006",
			DuplicateHandling: mode,
		},
		Staging: cumulustypes.StagingConfig{Bucket: "staging", Prefix: "stack-prod"},
	}
}

func TestIngestGranuleStagesFreshFile(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV1,
	})
	bucket := testutil.NewBucket()
	engine := newTestEngine(bucket)

	req := baseRequest(provider, cumulustypes.DuplicateError, cumulustypes.File{
		Name:         "granule-001.hdf",
		SourcePath:   "data/granule-001.hdf",
		Checksum:     payloadV1SHA256,
		ChecksumType: "sha256",
	})

	record, err := engine.IngestGranule(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, cumulustypes.GranuleStaged, record.Status)
	assert.Equal(t, req.Granule.GranuleID, record.GranuleID)
	assert.Greater(t, record.Duration, time.Duration(0))
	require.Len(t, record.Files, 1)

	file := record.Files[0]
	assert.Equal(t, cumulustypes.FileStaged, file.Status)
	assert.Equal(t, "staging", file.Bucket)
	assert.Equal(t, "stack-prod/MOD09GQ/granule-001.hdf", file.Key)
	assert.Equal(t, int64(len(payloadV1)), file.StagedSize)
	assert.Equal(t, payloadV1SHA256, file.StagedChecksum)
	assert.Equal(t, "sha256", file.StagedChecksumType)
	assert.False(t, file.DuplicateFound)

	stored, ok := bucket.Object("staging", file.Key)
	require.True(t, ok)
	assert.Equal(t, []byte(payloadV1), stored.Body)
	assert.Equal(t, payloadV1SHA256, stored.Metadata["ingest-checksum"])
	assert.Equal(t, "sha256", stored.Metadata["ingest-checksum-type"])
}

// A destination key is deterministic, so re-ingesting identical content finds
// the prior object and skips under every mode, including error.
func TestIngestGranuleIdenticalReingestSkips(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV1,
	})
	bucket := testutil.NewBucket()
	engine := newTestEngine(bucket)

	file := cumulustypes.File{
		Name:         "granule-001.hdf",
		SourcePath:   "data/granule-001.hdf",
		Checksum:     payloadV1SHA256,
		ChecksumType: "sha256",
	}

	_, err := engine.IngestGranule(context.Background(), baseRequest(provider, cumulustypes.DuplicateError, file))
	require.NoError(t, err)
	putsAfterFirst := bucket.PutCalls

	record, err := engine.IngestGranule(context.Background(), baseRequest(provider, cumulustypes.DuplicateError, file))
	require.NoError(t, err)

	assert.Equal(t, cumulustypes.GranuleStaged, record.Status)
	require.Len(t, record.Files, 1)
	assert.Equal(t, cumulustypes.FileSkipped, record.Files[0].Status)
	assert.True(t, record.Files[0].DuplicateFound)
	assert.Equal(t, payloadV1SHA256, record.Files[0].StagedChecksum)
	assert.Equal(t, putsAfterFirst, bucket.PutCalls, "identical content must not be re-staged")
}

func TestIngestGranuleErrorModeRejectsChangedFile(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV2,
	})
	bucket := testutil.NewBucket()
	bucket.Seed("staging", "stack-prod/MOD09GQ/granule-001.hdf", []byte(payloadV1), map[string]string{
		"ingest-checksum":      payloadV1SHA256,
		"ingest-checksum-type": "sha256",
	})
	engine := newTestEngine(bucket)

	req := baseRequest(provider, cumulustypes.DuplicateError, cumulustypes.File{
		Name:         "granule-001.hdf",
		SourcePath:   "data/granule-001.hdf",
		Checksum:     payloadV2SHA256,
		ChecksumType: "sha256",
	})

	record, err := engine.IngestGranule(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.IsDuplicateFile(err))
	assert.False(t, errors.IsRecoverable(err))

	assert.Equal(t, cumulustypes.GranuleFailed, record.Status)
	require.Len(t, record.Files, 1)
	assert.Equal(t, cumulustypes.FileAborted, record.Files[0].Status)
	assert.True(t, record.Files[0].DuplicateFound)

	// The rejection must leave the existing object untouched.
	stored, ok := bucket.Object("staging", "stack-prod/MOD09GQ/granule-001.hdf")
	require.True(t, ok)
	assert.Equal(t, []byte(payloadV1), stored.Body)
}

func TestIngestGranuleSkipModeKeepsExisting(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV2,
	})
	bucket := testutil.NewBucket()
	bucket.Seed("staging", "stack-prod/MOD09GQ/granule-001.hdf", []byte(payloadV1), map[string]string{
		"ingest-checksum":      payloadV1SHA256,
		"ingest-checksum-type": "sha256",
	})
	engine := newTestEngine(bucket)

	req := baseRequest(provider, cumulustypes.DuplicateSkip, cumulustypes.File{
		Name:         "granule-001.hdf",
		SourcePath:   "data/granule-001.hdf",
		Checksum:     payloadV2SHA256,
		ChecksumType: "sha256",
	})

	record, err := engine.IngestGranule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, cumulustypes.GranuleStaged, record.Status)
	require.Len(t, record.Files, 1)
	assert.Equal(t, cumulustypes.FileSkipped, record.Files[0].Status)

	// Skip reports the kept object, not the discarded incoming one.
	assert.Equal(t, payloadV1SHA256, record.Files[0].StagedChecksum)
	stored, _ := bucket.Object("staging", "stack-prod/MOD09GQ/granule-001.hdf")
	assert.Equal(t, []byte(payloadV1), stored.Body)
	assert.Equal(t, 0, bucket.PutCalls)
}

func TestIngestGranuleReplaceModeOverwrites(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV2,
	})
	bucket := testutil.NewBucket()
	bucket.Seed("staging", "stack-prod/MOD09GQ/granule-001.hdf", []byte(payloadV1), map[string]string{
		"ingest-checksum":      payloadV1SHA256,
		"ingest-checksum-type": "sha256",
	})
	engine := newTestEngine(bucket)

	req := baseRequest(provider, cumulustypes.DuplicateReplace, cumulustypes.File{
		Name:         "granule-001.hdf",
		SourcePath:   "data/granule-001.hdf",
		Checksum:     payloadV2SHA256,
		ChecksumType: "sha256",
	})

	record, err := engine.IngestGranule(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, record.Files, 1)
	assert.Equal(t, cumulustypes.FileStaged, record.Files[0].Status)
	assert.True(t, record.Files[0].DuplicateFound)
	assert.Equal(t, payloadV2SHA256, record.Files[0].StagedChecksum)

	stored, _ := bucket.Object("staging", "stack-prod/MOD09GQ/granule-001.hdf")
	assert.Equal(t, []byte(payloadV2), stored.Body)
	assert.Equal(t, 1, bucket.Len(), "replace must not leave extra objects")
}

func TestIngestGranuleVersionModeRetainsBoth(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV2,
	})
	bucket := testutil.NewBucket()
	bucket.Seed("staging", "stack-prod/MOD09GQ/granule-001.hdf", []byte(payloadV1), map[string]string{
		"ingest-checksum":      payloadV1SHA256,
		"ingest-checksum-type": "sha256",
	})
	engine := newTestEngine(bucket)

	req := baseRequest(provider, cumulustypes.DuplicateVersion, cumulustypes.File{
		Name:         "granule-001.hdf",
		SourcePath:   "data/granule-001.hdf",
		Checksum:     payloadV2SHA256,
		ChecksumType: "sha256",
	})

	record, err := engine.IngestGranule(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, record.Files, 1)

	file := record.Files[0]
	assert.Equal(t, cumulustypes.FileStaged, file.Status)
	assert.True(t, file.DuplicateFound)
	assert.True(t, strings.HasPrefix(file.Key, "stack-prod/MOD09GQ/granule-001.hdf.v"),
		"versioned key %q must extend the base key", file.Key)

	// Both the original and the versioned copy survive.
	assert.Equal(t, 2, bucket.Len())
	original, _ := bucket.Object("staging", "stack-prod/MOD09GQ/granule-001.hdf")
	assert.Equal(t, []byte(payloadV1), original.Body)
	versioned, ok := bucket.Object("staging", file.Key)
	require.True(t, ok)
	assert.Equal(t, []byte(payloadV2), versioned.Body)
}

func TestIngestGranuleChecksumMismatchAborts(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV2,
	})
	bucket := testutil.NewBucket()
	engine := newTestEngine(bucket)

	req := baseRequest(provider, cumulustypes.DuplicateError, cumulustypes.File{
		Name:         "granule-001.hdf",
		SourcePath:   "data/granule-001.hdf",
		Checksum:     payloadV1SHA256, // declared digest of different bytes
		ChecksumType: "sha256",
	})

	record, err := engine.IngestGranule(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChecksumMismatch)
	assert.Equal(t, cumulustypes.GranuleFailed, record.Status)
	assert.Equal(t, 0, bucket.Len(), "corrupt bytes must never reach the staging area")
}

func TestIngestGranuleMissingRemoteFile(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV1,
	})
	bucket := testutil.NewBucket()
	engine := newTestEngine(bucket)

	req := baseRequest(provider, cumulustypes.DuplicateError,
		cumulustypes.File{
			Name:         "granule-001.hdf",
			SourcePath:   "data/granule-001.hdf",
			Checksum:     payloadV1SHA256,
			ChecksumType: "sha256",
		},
		cumulustypes.File{
			Name:       "granule-001.met",
			SourcePath: "data/absent.met",
		},
	)

	record, err := engine.IngestGranule(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	// The first file's outcome is preserved alongside the abort.
	assert.Equal(t, cumulustypes.GranuleFailed, record.Status)
	require.Len(t, record.Files, 2)
	assert.Equal(t, cumulustypes.FileStaged, record.Files[0].Status)
	assert.Equal(t, cumulustypes.FileAborted, record.Files[1].Status)
}

func TestIngestGranuleServerSideCopy(t *testing.T) {
	bucket := testutil.NewBucket()
	bucket.Seed("source-bucket", "data/granule-001.hdf", []byte(payloadV1), nil)
	engine := newTestEngine(bucket)

	req := baseRequest(cumulustypes.Provider{
		ID:       "s3-provider",
		Protocol: cumulustypes.ProtocolS3,
		Host:     "source-bucket",
	}, cumulustypes.DuplicateError, cumulustypes.File{
		Name:       "granule-001.hdf",
		SourcePath: "data/granule-001.hdf",
	})

	record, err := engine.IngestGranule(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, record.Files, 1)
	assert.Equal(t, cumulustypes.FileStaged, record.Files[0].Status)
	assert.Equal(t, int64(len(payloadV1)), record.Files[0].StagedSize)

	assert.Equal(t, 1, bucket.CopyCalls)
	assert.Equal(t, 0, bucket.PutCalls, "same-storage source must copy server-side")

	copied, ok := bucket.Object("staging", "stack-prod/MOD09GQ/granule-001.hdf")
	require.True(t, ok)
	assert.Equal(t, []byte(payloadV1), copied.Body)
}

// A rejection on the server-side path must still report the pre-existing
// object and leave it untouched.
func TestIngestGranuleServerSideErrorModeRejects(t *testing.T) {
	bucket := testutil.NewBucket()
	bucket.Seed("source-bucket", "data/granule-001.hdf", []byte(payloadV2), nil)
	bucket.Seed("staging", "stack-prod/MOD09GQ/granule-001.hdf", []byte(payloadV1), map[string]string{
		"ingest-checksum":      payloadV1SHA256,
		"ingest-checksum-type": "sha256",
	})
	engine := newTestEngine(bucket)

	req := baseRequest(cumulustypes.Provider{
		ID:       "s3-provider",
		Protocol: cumulustypes.ProtocolS3,
		Host:     "source-bucket",
	}, cumulustypes.DuplicateError, cumulustypes.File{
		Name:       "granule-001.hdf",
		SourcePath: "data/granule-001.hdf",
		Size:       int64(len(payloadV2)),
	})

	record, err := engine.IngestGranule(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.IsDuplicateFile(err))

	require.Len(t, record.Files, 1)
	assert.Equal(t, cumulustypes.FileAborted, record.Files[0].Status)
	assert.True(t, record.Files[0].DuplicateFound)
	assert.Equal(t, 0, bucket.CopyCalls)

	stored, ok := bucket.Object("staging", "stack-prod/MOD09GQ/granule-001.hdf")
	require.True(t, ok)
	assert.Equal(t, []byte(payloadV1), stored.Body)
}

// An s3 source with a declared checksum cannot skip verification, so the
// bytes stream through the engine instead of copying server-side.
func TestIngestGranuleS3SourceWithChecksumVerifies(t *testing.T) {
	bucket := testutil.NewBucket()
	bucket.Seed("source-bucket", "data/granule-001.hdf", []byte(payloadV1), nil)
	engine := newTestEngine(bucket)

	req := baseRequest(cumulustypes.Provider{
		ID:       "s3-provider",
		Protocol: cumulustypes.ProtocolS3,
		Host:     "source-bucket",
	}, cumulustypes.DuplicateError, cumulustypes.File{
		Name:         "granule-001.hdf",
		SourcePath:   "data/granule-001.hdf",
		Checksum:     payloadV1SHA256,
		ChecksumType: "sha256",
	})

	record, err := engine.IngestGranule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, cumulustypes.FileStaged, record.Files[0].Status)
	assert.Equal(t, payloadV1SHA256, record.Files[0].StagedChecksum)
	assert.Equal(t, 0, bucket.CopyCalls)
	assert.Equal(t, 1, bucket.PutCalls)
}

func TestIngestGranuleLockContention(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV1,
	})
	bucket := testutil.NewBucket()
	table := testutil.NewLockTable()
	engine := NewWithClients(bucket, table,
		WithScratchFilesystem(memfs.New()),
		WithLockTable("ingest-locks"),
		WithLockWait(0),
	)

	req := baseRequest(provider, cumulustypes.DuplicateError, cumulustypes.File{
		Name:         "granule-001.hdf",
		SourcePath:   "data/granule-001.hdf",
		Checksum:     payloadV1SHA256,
		ChecksumType: "sha256",
	})

	// Another invocation already holds the (provider, granule) key.
	holder := lock.NewDynamo(table, "ingest-locks")
	token, err := holder.Acquire(context.Background(), lock.Key{
		ProviderID: provider.ID,
		GranuleID:  req.Granule.GranuleID,
	}, 0)
	require.NoError(t, err)

	record, err := engine.IngestGranule(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.IsResourcesLocked(err))
	assert.True(t, errors.IsRecoverable(err))
	assert.Equal(t, cumulustypes.GranuleFailed, record.Status)
	assert.Equal(t, 0, bucket.PutCalls)

	// Once the holder releases, the same request goes through and the lock
	// is freed again afterwards.
	require.NoError(t, holder.Release(context.Background(), token))
	record, err = engine.IngestGranule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, cumulustypes.GranuleStaged, record.Status)
	assert.Equal(t, 0, table.Len(), "lock must be released after ingest")
}

func TestIngestGranuleValidation(t *testing.T) {
	engine := newTestEngine(testutil.NewBucket())
	provider := cumulustypes.Provider{ID: "p", Protocol: cumulustypes.ProtocolHTTP, Host: "h"}

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{name: "missing granule id", mutate: func(r *Request) { r.Granule.GranuleID = "" }},
		{name: "no files", mutate: func(r *Request) { r.Granule.Files = nil }},
		{name: "missing staging bucket", mutate: func(r *Request) { r.Staging.Bucket = "" }},
		{name: "unknown mode", mutate: func(r *Request) { r.Collection.DuplicateHandling = "purge" }},
		{name: "file without name", mutate: func(r *Request) { r.Granule.Files[0].Name = "" }},
		{name: "file without source path", mutate: func(r *Request) { r.Granule.Files[0].SourcePath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest(provider, cumulustypes.DuplicateError, cumulustypes.File{
				Name:       "f.dat",
				SourcePath: "data/f.dat",
			})
			tt.mutate(&req)

			record, err := engine.IngestGranule(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidInput)
			assert.Equal(t, cumulustypes.GranuleFailed, record.Status)
		})
	}
}

func TestIngestGranuleUnsupportedProtocol(t *testing.T) {
	engine := newTestEngine(testutil.NewBucket())
	req := baseRequest(cumulustypes.Provider{
		ID: "p", Protocol: "gopher", Host: "h",
	}, cumulustypes.DuplicateError, cumulustypes.File{Name: "f.dat", SourcePath: "data/f.dat"})

	_, err := engine.IngestGranule(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedProtocol)
}

func TestIngestGranules(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV1,
		"data/granule-002.hdf": payloadSecond,
	})
	bucket := testutil.NewBucket()
	engine := newTestEngine(bucket, WithParallelism(2))

	first := baseRequest(provider, cumulustypes.DuplicateError, cumulustypes.File{
		Name:       "granule-001.hdf",
		SourcePath: "data/granule-001.hdf",
	})
	second := baseRequest(provider, cumulustypes.DuplicateError, cumulustypes.File{
		Name:       "granule-002.hdf",
		SourcePath: "data/granule-002.hdf",
	})
	second.Granule.GranuleID = "MOD09GQ.A2017026.h21v00.006"

	records, err := engine.IngestGranules(context.Background(), []Request{first, second})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, first.Granule.GranuleID, records[0].GranuleID)
	assert.Equal(t, second.Granule.GranuleID, records[1].GranuleID)
	for _, record := range records {
		assert.Equal(t, cumulustypes.GranuleStaged, record.Status)
	}
	assert.Equal(t, 2, bucket.Len())
}

func TestIngestGranulesPartialFailure(t *testing.T) {
	_, provider := newProviderServer(t, map[string]string{
		"data/granule-001.hdf": payloadV1,
	})
	bucket := testutil.NewBucket()
	engine := newTestEngine(bucket, WithParallelism(1))

	good := baseRequest(provider, cumulustypes.DuplicateError, cumulustypes.File{
		Name:       "granule-001.hdf",
		SourcePath: "data/granule-001.hdf",
	})
	bad := baseRequest(provider, cumulustypes.DuplicateError, cumulustypes.File{
		Name:       "granule-002.hdf",
		SourcePath: "data/absent.hdf",
	})
	bad.Granule.GranuleID = "MOD09GQ.A2017026.h21v00.006"

	records, err := engine.IngestGranules(context.Background(), []Request{good, bad})
	require.Error(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, cumulustypes.GranuleStaged, records[0].Status)
	assert.Equal(t, cumulustypes.GranuleFailed, records[1].Status)
}

// Package cumulustypes provides shared type definitions for the granule
// ingest engine.
package cumulustypes

import (
	"path"
	"time"
)

// Protocol identifies the transport used to reach a provider endpoint.
type Protocol string

// Supported provider protocols.
const (
	// ProtocolFTP transfers files over plain FTP.
	ProtocolFTP Protocol = "ftp"

	// ProtocolSFTP transfers files over SSH.
	ProtocolSFTP Protocol = "sftp"

	// ProtocolHTTP transfers files over HTTP.
	ProtocolHTTP Protocol = "http"

	// ProtocolHTTPS transfers files over HTTPS.
	ProtocolHTTPS Protocol = "https"

	// ProtocolS3 copies objects between S3 locations server-side.
	ProtocolS3 Protocol = "s3"
)

// DuplicateHandling is the per-collection policy applied when a destination
// object already exists for an incoming file.
type DuplicateHandling string

// Duplicate handling modes. The zero value resolves to DuplicateError.
const (
	// DuplicateError rejects the granule when a different file is already staged.
	DuplicateError DuplicateHandling = "error"

	// DuplicateSkip keeps the existing object and discards the incoming bytes.
	DuplicateSkip DuplicateHandling = "skip"

	// DuplicateReplace overwrites the existing object with the incoming bytes.
	DuplicateReplace DuplicateHandling = "replace"

	// DuplicateVersion retains both files, staging the incoming one under a
	// disambiguated key.
	DuplicateVersion DuplicateHandling = "version"
)

// Valid reports whether the mode is one of the supported policies.
func (d DuplicateHandling) Valid() bool {
	switch d {
	case DuplicateError, DuplicateSkip, DuplicateReplace, DuplicateVersion:
		return true
	}
	return false
}

// GranuleStatus tracks a granule through the ingest lifecycle.
type GranuleStatus string

// Granule processing states.
const (
	GranulePending GranuleStatus = "pending"
	GranuleStaging GranuleStatus = "staging"
	GranuleStaged  GranuleStatus = "staged"
	GranuleFailed  GranuleStatus = "failed"
)

// FileStatus tracks an individual file through the per-file state machine.
type FileStatus string

// Per-file states. Staged and Skipped are the terminal success states;
// Aborted propagates as a granule-level failure.
const (
	FilePending   FileStatus = "pending"
	FileFetching  FileStatus = "fetching"
	FileVerifying FileStatus = "verifying"
	FileStaged    FileStatus = "staged"
	FileSkipped   FileStatus = "skipped"
	FileAborted   FileStatus = "aborted"
)

// File is a single member of a granule. Its destination key is deterministic
// from (stack prefix, collection, file name) so re-ingestion of the same
// logical file always targets the same location.
type File struct {
	// Name is the file's base name within the granule.
	Name string `json:"name"`

	// SourcePath is the path or key of the file at the provider.
	SourcePath string `json:"sourcePath"`

	// Bucket is the destination staging bucket.
	Bucket string `json:"bucket,omitempty"`

	// Key is the destination object key within Bucket.
	Key string `json:"key,omitempty"`

	// Size is the provider-declared size in bytes, when known.
	Size int64 `json:"size,omitempty"`

	// Checksum is the provider-declared digest, when known.
	Checksum string `json:"checksum,omitempty"`

	// ChecksumType names the digest algorithm for Checksum (e.g. "md5", "sha256").
	ChecksumType string `json:"checksumType,omitempty"`

	// StagedSize is the observed size of the staged object.
	StagedSize int64 `json:"stagedSize,omitempty"`

	// StagedChecksum is the digest observed while staging.
	StagedChecksum string `json:"stagedChecksum,omitempty"`

	// StagedChecksumType names the algorithm for StagedChecksum.
	StagedChecksumType string `json:"stagedChecksumType,omitempty"`

	// DuplicateFound is set when a policy decision encountered a
	// pre-existing object at the destination key.
	DuplicateFound bool `json:"duplicateFound,omitempty"`

	// Status is the file's position in the ingest state machine.
	Status FileStatus `json:"status,omitempty"`
}

// Granule is the unit of ingest: a logical data product composed of one or
// more files.
type Granule struct {
	// GranuleID uniquely identifies the granule.
	GranuleID string `json:"granuleId"`

	// DataType references the collection the granule belongs to.
	DataType string `json:"dataType"`

	// Status is the granule's processing state.
	Status GranuleStatus `json:"status,omitempty"`

	// Files is the ordered set of files making up the granule.
	Files []File `json:"files"`
}

// Provider describes a remote endpoint files are fetched from. It is
// immutable for the duration of one ingest invocation.
type Provider struct {
	// ID uniquely identifies the provider.
	ID string `json:"id"`

	// Protocol selects the adapter used to reach the endpoint.
	Protocol Protocol `json:"protocol"`

	// Host is the endpoint host name. For the s3 protocol this is the
	// source bucket.
	Host string `json:"host"`

	// Port is the endpoint port; zero selects the protocol default.
	Port int `json:"port,omitempty"`

	// Username and Password are the endpoint credentials, when required.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// BasePath is prepended to file source paths when listing.
	BasePath string `json:"basePath,omitempty"`
}

// Collection carries the per-collection configuration consulted during
// ingest.
type Collection struct {
	// Name identifies the collection.
	Name string `json:"name"`

	// Version is the collection version string.
	Version string `json:"version,omitempty"`

	// DuplicateHandling is the policy for pre-existing destination objects.
	// Empty resolves to DuplicateError.
	DuplicateHandling DuplicateHandling `json:"duplicateHandling,omitempty"`
}

// Mode returns the collection's duplicate handling mode, defaulting to
// DuplicateError when unspecified.
func (c Collection) Mode() DuplicateHandling {
	if c.DuplicateHandling == "" {
		return DuplicateError
	}
	return c.DuplicateHandling
}

// StagingConfig locates the shared staging area. The prefix is derived from
// deployment identity and threaded explicitly into every ingest call.
type StagingConfig struct {
	// Bucket is the staging bucket objects are written to.
	Bucket string `json:"bucket"`

	// Prefix scopes destination keys to one deployment stack.
	Prefix string `json:"prefix"`
}

// DestinationKey computes the deterministic destination key for a file name
// within a collection. The key is never randomly generated, so re-ingestion
// of the same logical file targets the same location.
func (s StagingConfig) DestinationKey(collection, name string) string {
	return path.Join(s.Prefix, collection, name)
}

// GranuleRecord is the updated granule descriptor returned to the invoking
// workflow after an ingest attempt.
type GranuleRecord struct {
	// GranuleID identifies the granule the record describes.
	GranuleID string `json:"granuleId"`

	// DataType references the granule's collection.
	DataType string `json:"dataType"`

	// Status is the terminal granule status for this invocation.
	Status GranuleStatus `json:"status"`

	// Files holds the per-file outcomes in fetch order. On a fatal error the
	// slice still contains every file finalized before the abort.
	Files []File `json:"files"`

	// Duration is the wall-clock time the ingest took.
	Duration time.Duration `json:"duration"`
}

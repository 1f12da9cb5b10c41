// Package errors provides error types and handling for granule ingest
// operations.
package errors

import (
	"errors"
	"fmt"
)

// Error represents an ingest operation error with context about the
// operation that failed. It wraps the underlying transport or policy error
// with the provider, destination bucket, and object key involved so a fatal
// error names the failing file and the reason.
type Error struct {
	// Op is the operation that failed (e.g. "connect", "fetch", "stage")
	Op string

	// Provider is the provider identifier (if applicable)
	Provider string

	// Bucket is the destination staging bucket (if applicable)
	Bucket string

	// Key is the destination object key (if applicable)
	Key string

	// Err is the underlying error
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	switch {
	case e.Bucket != "" && e.Key != "":
		return fmt.Sprintf("ingest.%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	case e.Provider != "":
		return fmt.Sprintf("ingest.%s provider %s: %v", e.Op, e.Provider, e.Err)
	case e.Key != "":
		return fmt.Sprintf("ingest.%s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("ingest.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithProvider adds provider context to an existing error.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithBucket adds destination bucket context to an existing error.
func (e *Error) WithBucket(bucket string) *Error {
	e.Bucket = bucket
	return e
}

// WithKey adds destination key context to an existing error.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error with the given operation and underlying error.
func NewError(op string, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// NewProviderError creates a new Error with provider context.
func NewProviderError(op, provider string, err error) *Error {
	return &Error{
		Op:       op,
		Provider: provider,
		Err:      err,
	}
}

// NewObjectError creates a new Error with bucket and key context.
func NewObjectError(op, bucket, key string, err error) *Error {
	return &Error{
		Op:     op,
		Bucket: bucket,
		Key:    key,
		Err:    err,
	}
}

// Sentinel errors forming the normalized ingest error taxonomy. Adapters map
// protocol-specific transport failures onto these so upstream retry logic
// needs no per-protocol knowledge. Use errors.Is() for checking.
var (
	// ErrConnectionRefused indicates the provider endpoint refused the
	// connection or rejected authentication.
	ErrConnectionRefused = errors.New("ingest: connection refused")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("ingest: operation timeout")

	// ErrNotFound indicates a remote file or object does not exist.
	ErrNotFound = errors.New("ingest: not found")

	// ErrTransientIO indicates a transport failure that may succeed on a
	// later invocation.
	ErrTransientIO = errors.New("ingest: transient i/o error")

	// ErrDuplicateFile indicates a different file is already staged at the
	// destination key and the collection policy forbids overwriting it.
	// Fatal for the granule; not retried by this engine.
	ErrDuplicateFile = errors.New("ingest: duplicate file")

	// ErrResourcesLocked indicates the (provider, granule) lock could not be
	// acquired within the allowed wait.
	ErrResourcesLocked = errors.New("ingest: resources locked")

	// ErrUnsupportedProtocol indicates the provider names a protocol no
	// adapter implements.
	ErrUnsupportedProtocol = errors.New("ingest: unsupported protocol")

	// ErrProviderNotFound indicates the provider configuration is missing
	// or incomplete.
	ErrProviderNotFound = errors.New("ingest: provider not found")

	// ErrChecksumMismatch indicates a fetched file's digest does not match
	// the provider-declared value.
	ErrChecksumMismatch = errors.New("ingest: checksum mismatch")

	// ErrInvalidInput indicates the provided input is invalid.
	ErrInvalidInput = errors.New("ingest: invalid input")
)

// IsNotFound checks if an error indicates a missing remote file or object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateFile checks if an error is a duplicate-file policy rejection.
func IsDuplicateFile(err error) bool {
	return errors.Is(err, ErrDuplicateFile)
}

// IsResourcesLocked checks if an error is a lock contention failure.
func IsResourcesLocked(err error) bool {
	return errors.Is(err, ErrResourcesLocked)
}

// IsRecoverable checks if an error is worth retrying at the invocation
// level: transport failures are, policy and configuration failures are not.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTransientIO) ||
		errors.Is(err, ErrResourcesLocked)
}

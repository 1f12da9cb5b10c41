package cumulustypes

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"
)

// EngineConfig holds the engine-level configuration applied at construction.
type EngineConfig struct {
	// Region is the AWS region for the staging bucket and lock table.
	Region string

	// MaxRetries is the AWS SDK retry budget.
	MaxRetries int

	// LockTable names the DynamoDB table backing the per-granule lock.
	// Empty disables locking entirely (no-op coordinator).
	LockTable string

	// LockTTL bounds how long a crashed holder can wedge a lock key.
	LockTTL time.Duration

	// LockWait is how long an invocation backs off and retries a contended
	// lock before failing with ErrResourcesLocked.
	LockWait time.Duration

	// SkipUnverifiedOnSizeMatch lets skip mode treat size equality as
	// sufficient sameness when neither side has a checksum.
	SkipUnverifiedOnSizeMatch bool

	// Parallelism bounds how many granules IngestGranules works
	// concurrently. Files within one granule are always sequential.
	Parallelism int

	// Scratch is the filesystem fetched files stream through before
	// staging. Defaults to the OS temp directory.
	Scratch billy.Filesystem

	// Logger receives structured ingest progress. Defaults to a no-op
	// logger, as a library should.
	Logger *zap.Logger

	// CustomAWSConfig overrides the default AWS credential chain.
	CustomAWSConfig *aws.Config
}

// Option is a functional option for configuring the engine.
type Option func(*EngineConfig)

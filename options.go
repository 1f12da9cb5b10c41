package cumulus

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"

	"github.com/patelg123/cumulus/cumulustypes"
)

// WithRegion sets the AWS region for the staging bucket and lock table.
func WithRegion(region string) cumulustypes.Option {
	return func(cfg *cumulustypes.EngineConfig) {
		cfg.Region = region
	}
}

// WithMaxRetries sets the AWS SDK retry budget.
func WithMaxRetries(n int) cumulustypes.Option {
	return func(cfg *cumulustypes.EngineConfig) {
		cfg.MaxRetries = n
	}
}

// WithLockTable enables the per-(provider, granule) lock, backed by the
// named DynamoDB table. Without this option the engine runs with locking
// disabled, for workflows that already guarantee single-writer semantics.
func WithLockTable(table string) cumulustypes.Option {
	return func(cfg *cumulustypes.EngineConfig) {
		cfg.LockTable = table
	}
}

// WithLockTTL bounds how long a crashed holder can wedge a lock key.
func WithLockTTL(ttl time.Duration) cumulustypes.Option {
	return func(cfg *cumulustypes.EngineConfig) {
		cfg.LockTTL = ttl
	}
}

// WithLockWait sets how long a contended acquisition backs off before
// failing with ErrResourcesLocked.
func WithLockWait(wait time.Duration) cumulustypes.Option {
	return func(cfg *cumulustypes.EngineConfig) {
		cfg.LockWait = wait
	}
}

// WithSkipUnverifiedOnSizeMatch controls whether skip mode may treat size
// equality as sufficient sameness when neither side carries a checksum.
// When disabled, unverifiable files are treated as always-different.
func WithSkipUnverifiedOnSizeMatch(enabled bool) cumulustypes.Option {
	return func(cfg *cumulustypes.EngineConfig) {
		cfg.SkipUnverifiedOnSizeMatch = enabled
	}
}

// WithParallelism bounds how many granules are ingested concurrently by
// IngestGranules.
func WithParallelism(n int) cumulustypes.Option {
	return func(cfg *cumulustypes.EngineConfig) {
		cfg.Parallelism = n
	}
}

// WithScratchFilesystem sets the filesystem fetched files stream through
// before staging. Useful for tests and for hosts with a dedicated scratch
// volume.
func WithScratchFilesystem(fsys billy.Filesystem) cumulustypes.Option {
	return func(cfg *cumulustypes.EngineConfig) {
		cfg.Scratch = fsys
	}
}

// WithLogger sets the structured logger ingest progress is reported to.
func WithLogger(logger *zap.Logger) cumulustypes.Option {
	return func(cfg *cumulustypes.EngineConfig) {
		cfg.Logger = logger
	}
}

// WithAWSConfig supplies a pre-built AWS configuration instead of the
// default credential chain.
func WithAWSConfig(awsCfg aws.Config) cumulustypes.Option {
	return func(cfg *cumulustypes.EngineConfig) {
		cfg.CustomAWSConfig = &awsCfg
	}
}

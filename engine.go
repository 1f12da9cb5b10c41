// Package cumulus implements the granule ingest engine: a
// protocol-polymorphic fetch layer, a duplicate-handling policy evaluator,
// and an optional per-granule advisory lock, composed into a granule sync
// orchestrator.
//
// The engine fetches remote science-data files from FTP, SFTP, HTTP(S), and
// S3 providers into a managed S3 staging area. It does not decide when
// ingestion runs: scheduling, catalog publication, and workflow-step retry
// belong to the invoking workflow, which consumes the granule records this
// engine returns.
package cumulus

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/patelg123/cumulus/cumulustypes"
	"github.com/patelg123/cumulus/errors"
	"github.com/patelg123/cumulus/internal/awsapi"
	"github.com/patelg123/cumulus/internal/duplicate"
	"github.com/patelg123/cumulus/internal/lock"
	"github.com/patelg123/cumulus/internal/provider"
	"github.com/patelg123/cumulus/internal/staging"
)

// Default engine settings.
const (
	defaultLockWait    = 30 * time.Second
	defaultParallelism = 5
)

// Engine is the granule sync orchestrator. Engines are safe for concurrent
// use: distinct granules may be ingested in parallel, while files within one
// granule are always processed sequentially against a single provider
// session.
type Engine struct {
	s3      awsapi.S3API
	store   *staging.Store
	locks   lock.Coordinator
	scratch billy.Filesystem
	log     *zap.Logger

	lockWait    time.Duration
	parallelism int
	dupCfg      duplicate.Config

	// resolve is the adapter factory, replaceable in tests.
	resolve func(cumulustypes.Provider, provider.Deps) (provider.Adapter, error)
}

// New creates an Engine with the provided options. Credentials are loaded
// from the default AWS chain unless WithAWSConfig is supplied.
//
// Example:
//
//	engine, err := cumulus.New(
//	    cumulus.WithRegion("us-east-1"),
//	    cumulus.WithLockTable("ingest-locks"),
//	)
func New(opts ...cumulustypes.Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var awsCfg aws.Config
	var err error
	if cfg.CustomAWSConfig != nil {
		awsCfg = *cfg.CustomAWSConfig
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, errors.NewError("engine initialization", err)
		}
	}

	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	if cfg.MaxRetries > 0 {
		awsCfg.RetryMaxAttempts = cfg.MaxRetries
	}

	s3Client := s3.NewFromConfig(awsCfg)
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	return newEngine(s3Client, dynamoClient, cfg), nil
}

// NewWithClients creates an Engine with pre-built AWS clients. This is
// primarily used for testing with mocked clients.
func NewWithClients(s3Client awsapi.S3API, dynamoClient awsapi.DynamoAPI, opts ...cumulustypes.Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return newEngine(s3Client, dynamoClient, cfg)
}

func defaultConfig() *cumulustypes.EngineConfig {
	return &cumulustypes.EngineConfig{
		MaxRetries:                3,
		LockTTL:                   lock.DefaultTTL,
		LockWait:                  defaultLockWait,
		SkipUnverifiedOnSizeMatch: true,
		Parallelism:               defaultParallelism,
	}
}

func newEngine(s3Client awsapi.S3API, dynamoClient awsapi.DynamoAPI, cfg *cumulustypes.EngineConfig) *Engine {
	var locks lock.Coordinator = lock.Noop{}
	if cfg.LockTable != "" && dynamoClient != nil {
		locks = lock.NewDynamo(dynamoClient, cfg.LockTable, lock.WithTTL(cfg.LockTTL))
	}

	scratch := cfg.Scratch
	if scratch == nil {
		scratch = osfs.New(os.TempDir())
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	return &Engine{
		s3:          s3Client,
		store:       staging.New(s3Client),
		locks:       locks,
		scratch:     scratch,
		log:         logger,
		lockWait:    cfg.LockWait,
		parallelism: parallelism,
		dupCfg:      duplicate.Config{SkipUnverifiedOnSizeMatch: cfg.SkipUnverifiedOnSizeMatch},
		resolve:     provider.Resolve,
	}
}

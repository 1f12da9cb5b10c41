// Package cli implements the cumulus-ingest command line interface, a thin
// wrapper that reads an ingest payload, runs the engine, and reports the
// granule records.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/patelg123/cumulus"
)

const envPrefix = "CUMULUS"

// NewRootCmd builds the cumulus-ingest root command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cumulus-ingest",
		Short: "Stage granule files into S3",
		Long: `cumulus-ingest fetches the files of one or more granules from a remote
provider (FTP, SFTP, HTTP(S), or S3) and stages them into an S3 staging
area, applying the collection's duplicate handling policy.

The payload file describes the provider, collection, staging location, and
granules. Flags may also be set through CUMULUS_* environment variables.`,
		SilenceUsage: true,
		RunE:         runIngest,
	}

	flags := root.Flags()
	flags.String("payload", "", "path to the ingest payload JSON (required)")
	flags.String("region", "", "AWS region of the staging bucket and lock table")
	flags.String("staging-bucket", "", "override the payload's staging bucket")
	flags.String("staging-prefix", "", "override the payload's staging prefix")
	flags.String("lock-table", "", "DynamoDB table backing the granule lock (empty disables locking)")
	flags.Duration("lock-wait", 30*time.Second, "how long to wait on a contended granule lock")
	flags.Int("parallelism", 5, "how many granules to ingest concurrently")
	flags.Bool("verbose", false, "log ingest progress to stderr")

	_ = root.MarkFlagRequired("payload")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func runIngest(cmd *cobra.Command, _ []string) error {
	payload, err := loadPayload(viper.GetString("payload"))
	if err != nil {
		return err
	}
	if bucket := viper.GetString("staging-bucket"); bucket != "" {
		payload.Staging.Bucket = bucket
	}
	if prefix := viper.GetString("staging-prefix"); prefix != "" {
		payload.Staging.Prefix = prefix
	}

	logger := zap.NewNop()
	if viper.GetBool("verbose") {
		logger, err = newLogger()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()
	}

	engine, err := cumulus.New(
		cumulus.WithRegion(viper.GetString("region")),
		cumulus.WithLockTable(viper.GetString("lock-table")),
		cumulus.WithLockWait(viper.GetDuration("lock-wait")),
		cumulus.WithParallelism(viper.GetInt("parallelism")),
		cumulus.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	requests := payload.requests()
	records, ingestErr := engine.IngestGranules(cmd.Context(), requests)

	report(cmd, records)

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	if err := out.Encode(records); err != nil {
		return fmt.Errorf("failed to write granule records: %w", err)
	}

	if ingestErr != nil {
		return fmt.Errorf("ingest failed: %w", ingestErr)
	}
	return nil
}

// newLogger builds a console logger writing to stderr, keeping stdout clean
// for the granule record output.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

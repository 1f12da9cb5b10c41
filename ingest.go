package cumulus

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patelg123/cumulus/cumulustypes"
	"github.com/patelg123/cumulus/errors"
	"github.com/patelg123/cumulus/internal/checksum"
	"github.com/patelg123/cumulus/internal/duplicate"
	"github.com/patelg123/cumulus/internal/lock"
	"github.com/patelg123/cumulus/internal/provider"
	"github.com/patelg123/cumulus/internal/staging"
)

// defaultChecksumAlgorithm is used for staged-object metadata when neither
// the provider nor the existing object declares an algorithm.
const defaultChecksumAlgorithm = "sha256"

// Request carries everything one granule ingest invocation needs. The
// staging prefix is threaded explicitly; the engine reads no process
// environment.
type Request struct {
	// Granule is the granule descriptor to ingest.
	Granule cumulustypes.Granule

	// Provider is the remote endpoint configuration.
	Provider cumulustypes.Provider

	// Collection is the granule's collection configuration, including the
	// duplicate handling mode.
	Collection cumulustypes.Collection

	// Staging locates the destination staging area.
	Staging cumulustypes.StagingConfig
}

// IngestGranule ingests one granule: it resolves the protocol adapter,
// connects once, and processes the granule's files strictly sequentially
// (fetch, verify, evaluate the duplicate policy, stage or skip), finalizing
// each file record with observed size, checksum, and duplicate_found.
//
// A policy rejection or transport failure aborts the granule. Files
// finalized before the abort are preserved in the returned record, so a
// retry of the whole invocation can see which files already succeeded;
// nothing is rolled back. Adapter teardown and lock release run on every
// exit path, including cancellation.
func (e *Engine) IngestGranule(ctx context.Context, req Request) (*cumulustypes.GranuleRecord, error) {
	start := time.Now()

	record := &cumulustypes.GranuleRecord{
		GranuleID: req.Granule.GranuleID,
		DataType:  req.Granule.DataType,
		Status:    cumulustypes.GranuleStaging,
		Files:     make([]cumulustypes.File, 0, len(req.Granule.Files)),
	}

	fail := func(err error) (*cumulustypes.GranuleRecord, error) {
		record.Status = cumulustypes.GranuleFailed
		record.Duration = time.Since(start)
		return record, err
	}

	if err := validateRequest(req); err != nil {
		return fail(err)
	}

	mode := req.Collection.Mode()
	log := e.log.With(
		zap.String("granule", req.Granule.GranuleID),
		zap.String("provider", req.Provider.ID),
		zap.String("mode", string(mode)),
	)

	adapter, err := e.resolve(req.Provider, provider.Deps{S3: e.s3})
	if err != nil {
		return fail(err)
	}

	token, err := e.locks.Acquire(ctx, lock.Key{
		ProviderID: req.Provider.ID,
		GranuleID:  req.Granule.GranuleID,
	}, e.lockWait)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if relErr := e.locks.Release(context.WithoutCancel(ctx), token); relErr != nil {
			log.Warn("failed to release granule lock", zap.Error(relErr))
		}
	}()

	if err := adapter.Connect(ctx); err != nil {
		return fail(err)
	}
	defer func() {
		if tdErr := adapter.Teardown(); tdErr != nil {
			log.Warn("adapter teardown failed", zap.Error(tdErr))
		}
	}()

	log.Info("ingesting granule", zap.Int("files", len(req.Granule.Files)))

	for _, file := range req.Granule.Files {
		finalized, err := e.ingestFile(ctx, log, adapter, file, mode, req.Collection.Name, req.Staging)
		if err != nil {
			finalized.Status = cumulustypes.FileAborted
			record.Files = append(record.Files, finalized)
			return fail(err)
		}
		record.Files = append(record.Files, finalized)
	}

	record.Status = cumulustypes.GranuleStaged
	record.Duration = time.Since(start)
	log.Info("granule staged", zap.Duration("duration", record.Duration))
	return record, nil
}

// IngestGranules ingests distinct granules in parallel, bounded by the
// engine's parallelism. Files within each granule remain sequential. The
// returned records are ordered like the requests; the error is the first
// granule-level failure, with every record still populated.
func (e *Engine) IngestGranules(ctx context.Context, reqs []Request) ([]*cumulustypes.GranuleRecord, error) {
	records := make([]*cumulustypes.GranuleRecord, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)

	for i, req := range reqs {
		g.Go(func() error {
			record, err := e.IngestGranule(ctx, req)
			records[i] = record
			return err
		})
	}

	err := g.Wait()
	return records, err
}

// ingestFile runs one file through the per-file state machine:
// pending → fetching → verifying → decision → staged/skipped.
func (e *Engine) ingestFile(
	ctx context.Context,
	log *zap.Logger,
	adapter provider.Adapter,
	file cumulustypes.File,
	mode cumulustypes.DuplicateHandling,
	collection string,
	stagingCfg cumulustypes.StagingConfig,
) (cumulustypes.File, error) {
	file.Status = cumulustypes.FilePending
	file.Bucket = stagingCfg.Bucket
	file.Key = stagingCfg.DestinationKey(collection, file.Name)

	log = log.With(zap.String("file", file.Name), zap.String("key", file.Key))

	existing, err := e.store.Head(ctx, file.Bucket, file.Key)
	if err != nil {
		return file, err
	}

	declared := checksum.Declared{Algorithm: file.ChecksumType, Value: file.Checksum}

	// Same-storage sources with nothing to verify locally stay server-side:
	// the bytes never move through the engine.
	if copier, ok := adapter.(provider.ServerSideCopier); ok && declared.Empty() {
		return e.ingestServerSide(ctx, log, copier, file, existing, mode)
	}

	// Fetch to scratch, tee-ing the digest in the same pass.
	file.Status = cumulustypes.FileFetching
	algorithm := pickAlgorithm(declared, existing)
	hasher, err := checksum.New(algorithm)
	if err != nil {
		return file, err
	}

	scratch, err := e.scratch.TempFile("", "granule-")
	if err != nil {
		return file, errors.NewObjectError("fetch", file.Bucket, file.Key, err).
			WithMessage("failed to create scratch file")
	}
	scratchPath := scratch.Name()
	defer func() {
		_ = e.scratch.Remove(scratchPath)
	}()

	remote := provider.RemoteFile{Path: file.SourcePath, Name: file.Name, Size: file.Size}
	written, err := adapter.Fetch(ctx, remote, io.MultiWriter(scratch, hasher))
	if closeErr := scratch.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return file, errors.NewObjectError("fetch", file.Bucket, file.Key, err)
	}

	file.Status = cumulustypes.FileVerifying
	computed := hex.EncodeToString(hasher.Sum(nil))
	verified, err := checksum.Verify(computed, declared)
	if err != nil {
		return file, errors.NewObjectError("verify", file.Bucket, file.Key, err)
	}
	if !verified {
		log.Info("no declared checksum; file staged unverified", zap.String("algorithm", algorithm))
	}

	result, err := duplicate.Evaluate(existing, duplicate.Incoming{
		Key:          file.Key,
		Size:         written,
		Checksum:     computed,
		ChecksumType: algorithm,
	}, mode, e.dupCfg)
	// A rejection still reports the pre-existing object on the file record.
	file.DuplicateFound = result.DuplicateFound
	if err != nil {
		return file, err
	}

	switch result.Decision {
	case duplicate.SkipKeepExisting:
		// Incoming bytes are discarded; the record points at the
		// pre-existing object.
		file.StagedSize = existing.Size
		file.StagedChecksum = existing.Checksum
		file.StagedChecksumType = existing.ChecksumType
		file.Status = cumulustypes.FileSkipped
		log.Info("kept existing object",
			zap.Bool("identical", result.Identical))
		return file, nil

	case duplicate.Version:
		file.Key = staging.VersionKey(file.Key, time.Now())
		log.Info("staging versioned copy", zap.String("versionedKey", file.Key))

	case duplicate.Replace:
		log.Info("replacing existing object")

	case duplicate.Proceed:
	}

	if err := e.store.Upload(ctx, e.scratch, scratchPath, file.Bucket, file.Key, computed, algorithm); err != nil {
		return file, err
	}

	file.StagedSize = written
	file.StagedChecksum = computed
	file.StagedChecksumType = algorithm
	file.Status = cumulustypes.FileStaged
	log.Info("file staged", zap.Int64("bytes", written))
	return file, nil
}

// ingestServerSide stages an S3-source file with a server-side copy. With no
// declared checksum there is nothing to verify locally, so the incoming
// descriptor carries only the provider-reported size; the staged record is
// read back from the destination after the copy.
func (e *Engine) ingestServerSide(
	ctx context.Context,
	log *zap.Logger,
	copier provider.ServerSideCopier,
	file cumulustypes.File,
	existing *staging.Object,
	mode cumulustypes.DuplicateHandling,
) (cumulustypes.File, error) {
	result, err := duplicate.Evaluate(existing, duplicate.Incoming{
		Key:  file.Key,
		Size: file.Size,
	}, mode, e.dupCfg)
	file.DuplicateFound = result.DuplicateFound
	if err != nil {
		return file, err
	}

	switch result.Decision {
	case duplicate.SkipKeepExisting:
		file.StagedSize = existing.Size
		file.StagedChecksum = existing.Checksum
		file.StagedChecksumType = existing.ChecksumType
		file.Status = cumulustypes.FileSkipped
		log.Info("kept existing object", zap.Bool("identical", result.Identical))
		return file, nil

	case duplicate.Version:
		file.Key = staging.VersionKey(file.Key, time.Now())
		log.Info("staging versioned copy", zap.String("versionedKey", file.Key))

	case duplicate.Replace:
		log.Info("replacing existing object")

	case duplicate.Proceed:
	}

	file.Status = cumulustypes.FileFetching
	remote := provider.RemoteFile{Path: file.SourcePath, Name: file.Name, Size: file.Size}
	if err := copier.CopyTo(ctx, remote, file.Bucket, file.Key); err != nil {
		return file, err
	}

	staged, err := e.store.Head(ctx, file.Bucket, file.Key)
	if err != nil {
		return file, err
	}
	if staged != nil {
		file.StagedSize = staged.Size
		file.StagedChecksum = staged.Checksum
		file.StagedChecksumType = staged.ChecksumType
	}
	file.Status = cumulustypes.FileStaged
	log.Info("file copied server-side", zap.Int64("bytes", file.StagedSize))
	return file, nil
}

// pickAlgorithm chooses the digest computed during fetch: the declared
// algorithm when the provider gave one, otherwise the algorithm of the
// already-staged object so the two remain comparable, otherwise the engine
// default.
func pickAlgorithm(declared checksum.Declared, existing *staging.Object) string {
	if !declared.Empty() {
		return declared.Algorithm
	}
	if existing != nil && existing.ChecksumType != "" {
		return existing.ChecksumType
	}
	return defaultChecksumAlgorithm
}

// validateRequest rejects structurally incomplete requests before any
// network activity.
func validateRequest(req Request) error {
	if req.Granule.GranuleID == "" {
		return errors.NewError("ingest", errors.ErrInvalidInput).
			WithMessage("granule id cannot be empty")
	}
	if len(req.Granule.Files) == 0 {
		return errors.NewError("ingest", errors.ErrInvalidInput).
			WithMessage("granule has no files")
	}
	if req.Staging.Bucket == "" {
		return errors.NewError("ingest", errors.ErrInvalidInput).
			WithMessage("staging bucket cannot be empty")
	}
	if mode := req.Collection.Mode(); !mode.Valid() {
		return errors.NewError("ingest", errors.ErrInvalidInput).
			WithMessage(fmt.Sprintf("unknown duplicate handling mode %q", mode))
	}
	for _, file := range req.Granule.Files {
		if file.Name == "" || file.SourcePath == "" {
			return errors.NewError("ingest", errors.ErrInvalidInput).
				WithMessage("every granule file needs a name and source path")
		}
	}
	return nil
}

// Package duplicate implements the duplicate-handling policy evaluator.
//
// Given the object already staged at a destination key (if any) and the
// descriptor of an incoming fetch, the evaluator decides whether the ingest
// proceeds, skips, replaces, versions, or rejects. File identity is the
// destination key, never the source path: two files from different providers
// that resolve to the same key are duplicates of each other.
package duplicate

import (
	"fmt"

	"github.com/patelg123/cumulus/cumulustypes"
	"github.com/patelg123/cumulus/errors"
	"github.com/patelg123/cumulus/internal/checksum"
	"github.com/patelg123/cumulus/internal/staging"
)

// Decision is the outcome of a policy evaluation.
type Decision int

// Policy decisions.
const (
	// Proceed stages the incoming file; no pre-existing object was found.
	Proceed Decision = iota

	// SkipKeepExisting discards the incoming bytes and keeps the staged
	// object untouched.
	SkipKeepExisting

	// Replace overwrites the staged object with the incoming bytes.
	Replace

	// Version retains both files; the incoming one is staged under a
	// disambiguated key.
	Version
)

// String returns the decision name for logging.
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case SkipKeepExisting:
		return "skip"
	case Replace:
		return "replace"
	case Version:
		return "version"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Incoming describes a fetched file at evaluation time.
type Incoming struct {
	// Key is the deterministic destination key.
	Key string

	// Size is the fetched size in bytes.
	Size int64

	// Checksum and ChecksumType are the digest observed (or declared) for
	// the incoming bytes. Empty when the file is unverified.
	Checksum     string
	ChecksumType string
}

// Result is the evaluator's full outcome.
type Result struct {
	// Decision is what the orchestrator does with the incoming bytes.
	Decision Decision

	// DuplicateFound is set when a pre-existing object was encountered at
	// the destination key, regardless of decision. Reported as data on the
	// file record, not as an error.
	DuplicateFound bool

	// Identical is set when the existing object was proven to hold the same
	// content as the incoming file.
	Identical bool
}

// Config carries the evaluator's sameness knobs.
type Config struct {
	// SkipUnverifiedOnSizeMatch lets skip mode treat size equality at the
	// same destination name as sufficient grounds to consider an
	// unverifiable pair identical. When false, unverifiable files are
	// treated as always-different. Only skip mode consults the heuristic;
	// error and replace are fail-safe and never assume sameness without a
	// checksum match.
	SkipUnverifiedOnSizeMatch bool
}

// DefaultConfig returns the evaluator defaults.
func DefaultConfig() Config {
	return Config{SkipUnverifiedOnSizeMatch: true}
}

// Evaluate decides how an incoming file is handled given what is already
// staged at its destination key.
//
// Identical content (comparable checksums that match) is never an error and
// is never re-staged: the decision is SkipKeepExisting under every mode.
// When the files differ, or cannot be proven the same, the mode governs:
// error rejects with ErrDuplicateFile, skip keeps the existing object,
// replace overwrites it, and version retains both.
func Evaluate(
	existing *staging.Object,
	incoming Incoming,
	mode cumulustypes.DuplicateHandling,
	cfg Config,
) (Result, error) {
	if !mode.Valid() {
		return Result{}, errors.NewError("duplicate", errors.ErrInvalidInput).
			WithKey(incoming.Key).
			WithMessage(fmt.Sprintf("unknown duplicate handling mode %q", mode))
	}

	if existing == nil {
		return Result{Decision: Proceed}, nil
	}

	res := Result{DuplicateFound: true}

	if checksum.Equal(existing.ChecksumType, existing.Checksum, incoming.ChecksumType, incoming.Checksum) {
		// Same bytes already staged; nothing to do under any mode.
		res.Decision = SkipKeepExisting
		res.Identical = true
		return res, nil
	}

	unverifiable := existing.Checksum == "" && incoming.Checksum == ""

	switch mode {
	case cumulustypes.DuplicateSkip:
		// Skip never mutates the destination. The heuristic only decides
		// whether the pair is recorded as identical.
		res.Decision = SkipKeepExisting
		res.Identical = unverifiable && cfg.SkipUnverifiedOnSizeMatch && existing.Size == incoming.Size
		return res, nil
	case cumulustypes.DuplicateReplace:
		res.Decision = Replace
		return res, nil
	case cumulustypes.DuplicateVersion:
		res.Decision = Version
		return res, nil
	default: // cumulustypes.DuplicateError
		return res, errors.NewError("duplicate", errors.ErrDuplicateFile).
			WithBucket(existing.Bucket).
			WithKey(existing.Key).
			WithMessage("a different file is already staged at this key")
	}
}

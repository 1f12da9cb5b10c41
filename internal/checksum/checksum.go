// Package checksum provides digest computation and verification for fetched
// files.
//
// Callers stream file bytes through a hash from New while transferring, so
// arbitrarily large granule files are digested in the same pass that fetches
// them, then check the result against the provider-declared value with
// Verify.
package checksum

import (
	"crypto/md5"  //nolint:gosec // legacy providers declare md5 digests
	"crypto/sha1" //nolint:gosec // legacy providers declare sha1 digests
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"github.com/patelg123/cumulus/errors"
)

// Declared is a provider-declared digest tagged with its algorithm.
type Declared struct {
	// Algorithm names the digest algorithm (md5, sha1, sha256, sha512).
	Algorithm string

	// Value is the expected hex-encoded digest.
	Value string
}

// Empty reports whether no checksum was declared.
func (d Declared) Empty() bool {
	return d.Value == ""
}

// New returns a hash for the named algorithm. Algorithm names are
// case-insensitive; dashes are ignored so "SHA-256" and "sha256" are
// equivalent.
func New(algorithm string) (hash.Hash, error) {
	switch normalize(algorithm) {
	case "md5":
		return md5.New(), nil //nolint:gosec // algorithm chosen by provider
	case "sha1":
		return sha1.New(), nil //nolint:gosec // algorithm chosen by provider
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	}
	return nil, errors.NewError("checksum", errors.ErrInvalidInput).
		WithMessage(fmt.Sprintf("unsupported checksum algorithm %q", algorithm))
}

// Verify compares a computed hex digest against a declared checksum. When no
// checksum is declared, verification is skipped: Verify returns (false, nil)
// and the caller records the file as unverified rather than rejecting it. A
// declared checksum that does not match the computed digest wraps
// ErrChecksumMismatch.
func Verify(computed string, declared Declared) (bool, error) {
	if declared.Empty() {
		return false, nil
	}

	if !strings.EqualFold(computed, declared.Value) {
		return false, errors.NewError("checksum", errors.ErrChecksumMismatch).
			WithMessage(fmt.Sprintf("declared %s %s, computed %s", declared.Algorithm, declared.Value, computed))
	}
	return true, nil
}

// Equal reports whether two digests computed with the same algorithm match.
// Digests with differing algorithms are never comparable.
func Equal(algA, sumA, algB, sumB string) bool {
	if sumA == "" || sumB == "" {
		return false
	}
	if normalize(algA) != normalize(algB) {
		return false
	}
	return strings.EqualFold(sumA, sumB)
}

// normalize canonicalizes an algorithm name for comparison.
func normalize(algorithm string) string {
	return strings.ReplaceAll(strings.ToLower(algorithm), "-", "")
}

// Package acquirer implements the Module Acquirer: it walks every
// configured policy in declaration order, verifies it when verification
// is enabled, fetches its module, and checks the fetched bytes against
// the digest that was verified. Grounded directly on the
// verify/fetch/checksum sequence of the original's
// src/policy_downloader.rs Downloader.download_policies.
package acquirer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kubewarden/policy-server/internal/config"
)

// Digester resolves an OCI reference's current manifest digest.
type Digester interface {
	Digest(ctx context.Context, ref string) (string, error)
}

// Fetcher downloads a module to destDir, returning its local path and
// content digest.
type Fetcher interface {
	Fetch(ctx context.Context, ref, destDir string) (localPath, digest string, err error)
}

// Verifier checks a reference's signatures and returns the digest they
// cover. A nil Verifier means verification is disabled; Acquire skips
// straight to fetch for every policy.
type Verifier interface {
	Verify(ctx context.Context, ref string) (digest string, err error)
}

// ChecksumFunc computes the local content digest of a downloaded file,
// for comparing against the digest Verifier reported.
type ChecksumFunc func(path string) (string, error)

// Acquirer runs the verify/fetch/checksum sequence for every configured
// policy.
type Acquirer struct {
	Fetcher  Fetcher
	Verifier Verifier
	Checksum ChecksumFunc
	DestDir  string
	Logger   *slog.Logger
}

// VerificationError reports that a policy's signatures did not satisfy
// its verification config, or that its downloaded content did not match
// the digest that was verified. Fail-open for this one policy: Acquire
// collects every VerificationError and returns them all together at the
// end, rather than aborting on the first.
type VerificationError struct {
	PolicyID string
	Err      error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("policy %q cannot be verified: %s", e.PolicyID, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// FetchError reports that downloading a policy's module failed outright.
// Unlike VerificationError, this aborts Acquire immediately (fail-closed):
// a policy-server that cannot retrieve one of its declared policies has
// no sensible degraded mode to fall back to.
type FetchError struct {
	PolicyID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("downloading policy %q: %s", e.PolicyID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Acquire processes policies in order, returning an updated PolicyList
// with LocalPath populated for every successfully acquired policy, plus
// the accumulated VerificationErrors for any policy that failed
// verification. A non-nil FetchError aborts processing immediately and
// is returned as the sole error.
func (a *Acquirer) Acquire(ctx context.Context, policies config.PolicyList) (config.PolicyList, []*VerificationError, error) {
	result := make(config.PolicyList, len(policies))
	copy(result, policies)

	var verificationErrs []*VerificationError

	for i, policy := range policies {
		var verifiedDigest string
		if a.Verifier != nil {
			digest, err := a.Verifier.Verify(ctx, policy.URL)
			if err != nil {
				a.logf("policy cannot be verified", policy.ID, err)
				verificationErrs = append(verificationErrs, &VerificationError{PolicyID: policy.ID, Err: err})
				continue
			}
			verifiedDigest = digest
		}

		localPath, _, err := a.Fetcher.Fetch(ctx, policy.URL, a.DestDir)
		if err != nil {
			return nil, nil, &FetchError{PolicyID: policy.ID, Err: err}
		}

		if a.Verifier != nil {
			if verifiedDigest == "" {
				err := fmt.Errorf("missing verified manifest digest")
				verificationErrs = append(verificationErrs, &VerificationError{PolicyID: policy.ID, Err: err})
				continue
			}
			got, err := a.Checksum(localPath)
			if err != nil {
				verificationErrs = append(verificationErrs, &VerificationError{PolicyID: policy.ID, Err: err})
				continue
			}
			if got != verifiedDigest {
				err := fmt.Errorf("checksum mismatch: verified digest %s, downloaded content is %s", verifiedDigest, got)
				verificationErrs = append(verificationErrs, &VerificationError{PolicyID: policy.ID, Err: err})
				continue
			}
			a.logf("verified local checksum", policy.ID, nil)
		}

		result[i].LocalPath = localPath
	}

	return result, verificationErrs, nil
}

func (a *Acquirer) logf(msg, policyID string, err error) {
	if a.Logger == nil {
		return
	}
	if err != nil {
		a.Logger.Info(msg, "policy", policyID, "error", err)
		return
	}
	a.Logger.Info(msg, "policy", policyID)
}

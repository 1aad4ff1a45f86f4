// Package maintainer implements the Leader-Elected Maintainer: the
// one-shot housekeeping job that runs on exactly one policy-server
// replica at a time, behind the Lease coordination in internal/leaderlease.
// Grounded on crates/policy-optimizer's main.rs (the original's
// dedicated Lease-holding binary) folded together with the module-
// download bookkeeping of src/policy_downloader.rs, per SPEC_FULL.md §9's
// decision to combine digest-pinning and stale-module pruning into one
// Maintainer binary rather than the original's separate, unfinished
// policy-optimizer stub.
package maintainer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kubewarden/policy-server/internal/config"
)

// Digester resolves the current manifest digest for an image reference,
// used by PinDigests to record exact, reproducible versions.
type Digester interface {
	Digest(ctx context.Context, ref string) (string, error)
}

// Maintainer runs the housekeeping operations the leader replica
// performs: pruning downloaded modules no policy refers to anymore, and
// (on demand, via --pin-digests) resolving policy references to exact
// digests. Neither operation writes policies.yml.
type Maintainer struct {
	Logger *slog.Logger
}

// PruneStaleModules removes files in downloadDir that are not the local
// path of any policy in the current list — modules left behind by a
// policy that was since removed from policies.yml or whose reference
// changed. It never touches a path still referenced, even if that file
// does not match the policy's current digest; digest mismatches are the
// Module Acquirer's concern, not the Maintainer's.
func (m *Maintainer) PruneStaleModules(downloadDir string, policies config.PolicyList) error {
	wanted := make(map[string]bool, len(policies))
	for _, p := range policies {
		if p.LocalPath != "" {
			wanted[filepath.Clean(p.LocalPath)] = true
		}
	}

	entries, err := os.ReadDir(downloadDir)
	if err != nil {
		return fmt.Errorf("listing download dir %q: %w", downloadDir, err)
	}

	var pruned int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Clean(filepath.Join(downloadDir, entry.Name()))
		if wanted[path] {
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing stale module %q: %w", path, err)
		}
		pruned++
		m.logf("pruned stale module", path)
	}
	m.logf("prune complete", fmt.Sprintf("%d module(s) removed", pruned))
	return nil
}

// PinDigests resolves every policy's current manifest digest and
// returns an updated PolicyList whose URLs carry an explicit "@sha256:"
// digest suffix, the same reproducibility guarantee
// crates/policy-optimizer was scaffolded (but never finished) to
// provide. A policy whose URL already carries a digest is left
// untouched.
func (m *Maintainer) PinDigests(ctx context.Context, policies config.PolicyList, digester Digester) (config.PolicyList, error) {
	result := make(config.PolicyList, len(policies))
	copy(result, policies)

	for i, p := range result {
		if hasDigest(p.URL) {
			continue
		}
		digest, err := digester.Digest(ctx, p.URL)
		if err != nil {
			return nil, fmt.Errorf("resolving digest for policy %q: %w", p.ID, err)
		}
		result[i].URL = p.URL + "@" + digest
		m.logf("pinned digest", result[i].URL)
	}
	return result, nil
}

func hasDigest(url string) bool {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '@' {
			return true
		}
		if url[i] == '/' {
			return false
		}
	}
	return false
}

func (m *Maintainer) logf(msg, detail string) {
	if m.Logger == nil {
		return
	}
	m.Logger.Info(msg, "detail", detail, "at", time.Now().Format(time.RFC3339))
}

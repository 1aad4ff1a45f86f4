// Package verify models the declarative signature-verification
// configuration described in spec.md §3 and the Verifier contract the
// Module Acquirer depends on. The actual cryptographic verification
// (Fulcio/Rekor/TUF trust material) is an external collaborator per
// spec.md §1; this package owns the config shape and the interface, plus
// an in-repo Verifier that checks ECDSA signatures against configured
// public keys — a deliberately small, self-contained stand-in for the
// full sigstore stack, recorded as an Open Question resolution in
// DESIGN.md rather than left unimplemented.
package verify

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// KeyKind identifies the kind of identity a Clause checks.
type KeyKind string

const (
	// KindPubKey verifies against a raw public key.
	KindPubKey KeyKind = "pubKey"
	// KindGithubAction verifies a keyless signature was produced by a
	// specific GitHub Actions workflow identity.
	KindGithubAction KeyKind = "githubAction"
)

// Clause is a single verification requirement: an identity of the given
// Kind, optionally constrained further by Annotations that must all be
// present (with matching values) in the signature's claims.
type Clause struct {
	Kind        KeyKind           `yaml:"kind"`
	Owner       string            `yaml:"owner"`
	Key         string            `yaml:"key,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
}

// Config is the declarative verification policy: every AllOf clause must
// match, and at least one AnyOf clause must match (when AnyOf is
// non-empty). One Config, read from the file --verification-path names,
// is shared by every policy (mirrored after the original's
// LatestVerificationConfig).
type Config struct {
	AllOf []Clause `yaml:"allOf,omitempty"`
	AnyOf []Clause `yaml:"anyOf,omitempty"`
}

// ErrEmptyVerificationConfig is returned when verification is enabled but
// the parsed config carries zero clauses — spec.md §3's "empty
// verification config with verification enabled is a configuration
// error".
var ErrEmptyVerificationConfig = errors.New("verification config has no allOf or anyOf clauses")

// Empty reports whether the config carries no clauses at all.
func (c Config) Empty() bool {
	return len(c.AllOf) == 0 && len(c.AnyOf) == 0
}

// ReadConfig parses a verification.yml document. If enabled is false the
// file is still parsed (so a malformed file is still surfaced at startup)
// but an empty result is not an error.
func ReadConfig(data []byte, enabled bool) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing verification config: %w", err)
		}
	}
	if enabled && cfg.Empty() {
		return nil, ErrEmptyVerificationConfig
	}
	return &cfg, nil
}

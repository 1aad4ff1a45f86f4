package config

import (
	"fmt"
	"time"
)

// Default values for flags that carry one, mirroring the original's
// src/cli.rs defaults.
const (
	DefaultAddress            = "0.0.0.0"
	DefaultPort               = 3000
	DefaultPoliciesFile       = "policies.yml"
	DefaultPoliciesDownloadDir = "."
	DefaultVerificationFile   = "verification.yml"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultPolicyTimeout      = 10 * time.Second
)

// Config is the fully validated set of inputs the Orchestrator needs to
// boot, assembled from CLI flags and from the files those flags point
// at. No environment variables are read: there is no KUBEWARDEN_*
// fallback for any flag.
type Config struct {
	Address string
	Port    int
	Workers int

	CertFile string
	KeyFile  string

	PoliciesFile        string
	PoliciesDownloadDir string
	SourcesPath         string
	VerificationPath    string
	DockerConfigPath    string

	EnableMetrics      bool
	EnableVerification bool

	LogLevel  string
	LogFormat string

	PolicyTimeout                      time.Duration
	DisableTimeoutProtection           bool
	IgnoreKubernetesConnectionFailure  bool
	AlwaysAcceptAdmissionReviewsOnNamespace string

	OpenTelemetryEndpoint string

	Policies PolicyList
}

// Error reports a problem with the assembled configuration: a malformed
// file, a flag combination that makes no sense, or a semantic invariant
// violation (e.g. an empty verification config while verification is
// enabled). It wraps the underlying cause so callers can still
// errors.Is/As through to it.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration (%s): %s", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ValidateTLSFiles enforces spec.md §6's "both-or-neither" rule for
// --cert-file/--key-file.
func ValidateTLSFiles(certFile, keyFile string) error {
	if (certFile == "") != (keyFile == "") {
		return &Error{Field: "cert-file/key-file", Err: fmt.Errorf("either both --cert-file and --key-file must be provided, or neither")}
	}
	return nil
}

// TLSEnabled reports whether c is configured to serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Addr renders the listen address CLI flags describe.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

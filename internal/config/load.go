package config

import (
	"fmt"
	"os"
)

// FlagValues is the raw set of CLI flag values, gathered by cmd/policy-server
// before any file I/O or validation happens. Keeping this as a plain
// struct (rather than threading *cobra.Command through internal/config)
// keeps this package testable without a CLI framework dependency.
type FlagValues struct {
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

	PolicyTimeoutSeconds              int
	DisableTimeoutProtection          bool
	IgnoreKubernetesConnectionFailure bool
	AlwaysAcceptAdmissionReviewsOnNamespace string

	OpenTelemetryEndpoint string
}

// Load turns FlagValues into a validated Config, reading and parsing the
// policies file (and failing closed if it is missing or malformed, per
// spec.md §7). Sources and verification files are left to the caller
// (internal/server.Run) to load, since their absence is only an error
// when the corresponding feature is actually exercised.
func Load(flags FlagValues) (*Config, error) {
	if err := ValidateTLSFiles(flags.CertFile, flags.KeyFile); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(flags.PoliciesFile)
	if err != nil {
		return nil, &Error{Field: "policies", Err: fmt.Errorf("reading %q: %w", flags.PoliciesFile, err)}
	}
	policies, err := ReadPolicies(data)
	if err != nil {
		return nil, &Error{Field: "policies", Err: err}
	}

	workers := flags.Workers
	if workers <= 0 {
		workers = defaultWorkerCount()
	}

	timeout := DefaultPolicyTimeout
	if flags.PolicyTimeoutSeconds > 0 {
		timeout = secondsToDuration(flags.PolicyTimeoutSeconds)
	}

	return &Config{
		Address:                                 flags.Address,
		Port:                                    flags.Port,
		Workers:                                 workers,
		CertFile:                                flags.CertFile,
		KeyFile:                                 flags.KeyFile,
		PoliciesFile:                            flags.PoliciesFile,
		PoliciesDownloadDir:                     flags.PoliciesDownloadDir,
		SourcesPath:                             flags.SourcesPath,
		VerificationPath:                        flags.VerificationPath,
		DockerConfigPath:                        flags.DockerConfigPath,
		EnableMetrics:                           flags.EnableMetrics,
		EnableVerification:                      flags.EnableVerification,
		LogLevel:                                flags.LogLevel,
		LogFormat:                               flags.LogFormat,
		PolicyTimeout:                           timeout,
		DisableTimeoutProtection:                flags.DisableTimeoutProtection,
		IgnoreKubernetesConnectionFailure:       flags.IgnoreKubernetesConnectionFailure,
		AlwaysAcceptAdmissionReviewsOnNamespace: flags.AlwaysAcceptAdmissionReviewsOnNamespace,
		OpenTelemetryEndpoint:                   flags.OpenTelemetryEndpoint,
		Policies:                                policies,
	}, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempPolicies(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndReadsPolicies(t *testing.T) {
	path := writeTempPolicies(t, "pod-privileged:\n  url: registry://example.com/pod-privileged:v1\n")

	cfg, err := Load(FlagValues{
		Address:      DefaultAddress,
		Port:         DefaultPort,
		PoliciesFile: path,
	})
	require.NoError(t, err)
	require.Len(t, cfg.Policies, 1)
	assert.Equal(t, defaultWorkerCount(), cfg.Workers)
	assert.Equal(t, DefaultPolicyTimeout, cfg.PolicyTimeout)
}

func TestLoadRejectsMismatchedTLSFlags(t *testing.T) {
	path := writeTempPolicies(t, "p:\n  url: u\n")
	_, err := Load(FlagValues{PoliciesFile: path, CertFile: "cert.pem"})
	require.Error(t, err)
}

func TestLoadFailsOnMissingPoliciesFile(t *testing.T) {
	_, err := Load(FlagValues{PoliciesFile: "/nonexistent/policies.yml"})
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "policies", cfgErr.Field)
}

func TestLoadHonorsExplicitWorkerCount(t *testing.T) {
	path := writeTempPolicies(t, "p:\n  url: u\n")
	cfg, err := Load(FlagValues{PoliciesFile: path, Workers: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers)
}

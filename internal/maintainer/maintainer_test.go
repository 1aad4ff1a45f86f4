package maintainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kubewarden/policy-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneStaleModulesRemovesUnreferencedFiles(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.wasm")
	stale := filepath.Join(dir, "stale.wasm")
	require.NoError(t, os.WriteFile(keep, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(stale, []byte("b"), 0o644))

	m := &Maintainer{}
	policies := config.PolicyList{{ID: "p", URL: "u", LocalPath: keep}}
	require.NoError(t, m.PruneStaleModules(dir, policies))

	_, err := os.Stat(keep)
	require.NoError(t, err)
	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
}

func TestPruneStaleModulesIgnoresDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	m := &Maintainer{}
	require.NoError(t, m.PruneStaleModules(dir, nil))

	_, err := os.Stat(filepath.Join(dir, "subdir"))
	require.NoError(t, err)
}

type fakeDigester struct {
	digest string
	err    error
}

func (f fakeDigester) Digest(context.Context, string) (string, error) {
	return f.digest, f.err
}

func TestPinDigestsAddsDigestSuffix(t *testing.T) {
	m := &Maintainer{}
	policies := config.PolicyList{{ID: "p", URL: "registry.example.com/policy:v1"}}
	pinned, err := m.PinDigests(context.Background(), policies, fakeDigester{digest: "sha256:abc"})
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/policy:v1@sha256:abc", pinned[0].URL)
}

func TestPinDigestsSkipsAlreadyPinnedURLs(t *testing.T) {
	m := &Maintainer{}
	policies := config.PolicyList{{ID: "p", URL: "registry.example.com/policy@sha256:already"}}
	pinned, err := m.PinDigests(context.Background(), policies, fakeDigester{digest: "sha256:new"})
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/policy@sha256:already", pinned[0].URL)
}

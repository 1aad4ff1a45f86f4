package registry

import (
	"bytes"
	"fmt"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/types"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// DockerKeychain adapts a docker CLI config.json (the conventional
// file named by --docker-config-json-path) to go-containerregistry's authn.Keychain, so
// registry pulls reuse whatever credentials the cluster operator already
// has configured for image pulls. Grounded on
// openshift-cluster-capi-operator/pkg/providerimages/pullsecret.go.
type DockerKeychain struct {
	cfg *config.ConfigFile
}

// LoadDockerKeychain parses a docker config.json document.
func LoadDockerKeychain(data []byte) (*DockerKeychain, error) {
	cfg := config.New("")
	if err := cfg.LoadFromReader(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing docker config: %w", err)
	}
	return &DockerKeychain{cfg: cfg}, nil
}

// Resolve implements authn.Keychain.
func (k *DockerKeychain) Resolve(target authn.Resource) (authn.Authenticator, error) {
	host := target.RegistryStr()
	entry, err := k.cfg.GetAuthConfig(host)
	if err != nil {
		return nil, fmt.Errorf("looking up credentials for %s: %w", host, err)
	}
	if entry == (types.AuthConfig{}) {
		return authn.Anonymous, nil
	}
	return authn.FromConfig(authn.AuthConfig{
		Username:      entry.Username,
		Password:      entry.Password,
		Auth:          entry.Auth,
		IdentityToken: entry.IdentityToken,
		RegistryToken: entry.RegistryToken,
	}), nil
}

// HostFor extracts the registry host from an image reference, for use
// with Sources.Transport and Sources.IsInsecure.
func HostFor(ref string) (string, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("parsing reference %q: %w", ref, err)
	}
	return r.Context().RegistryStr(), nil
}

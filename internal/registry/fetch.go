package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Fetcher retrieves policy modules from an OCI registry. Grounded on
// openshift-cluster-capi-operator/pkg/providerimages/providerimages.go,
// which resolves image digests and pulls layers with the same library.
type Fetcher struct {
	Keychain authn.Keychain
	Sources  *Sources
}

// NewFetcher builds a Fetcher. keychain may be nil, in which case pulls
// are anonymous; sources may be nil, in which case every host uses
// default, verified TLS.
func NewFetcher(keychain authn.Keychain, sources *Sources) *Fetcher {
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	return &Fetcher{Keychain: keychain, Sources: sources}
}

func (f *Fetcher) options(ctx context.Context, ref name.Reference) ([]remote.Option, error) {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(f.Keychain),
	}
	if f.Sources != nil {
		transport, err := f.Sources.Transport(ref.Context().RegistryStr())
		if err != nil {
			return nil, err
		}
		opts = append(opts, remote.WithTransport(transport))
	}
	return opts, nil
}

// Digest resolves the content digest an OCI reference currently points
// at, without downloading the image's layers.
func (f *Fetcher) Digest(ctx context.Context, ref string) (string, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("parsing reference %q: %w", ref, err)
	}
	opts, err := f.options(ctx, r)
	if err != nil {
		return "", err
	}
	desc, err := remote.Get(r, opts...)
	if err != nil {
		return "", fmt.Errorf("fetching manifest for %q: %w", ref, err)
	}
	return desc.Digest.String(), nil
}

// Fetch downloads the single-layer policy module image at ref into
// destDir and returns the local path. The module is assumed to be
// published as a single-layer OCI image whose layer contents are the raw
// WASM binary, the convention the original policy-server and its
// `policy-fetcher` crate use.
func (f *Fetcher) Fetch(ctx context.Context, ref, destDir string) (localPath string, digest string, err error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return "", "", fmt.Errorf("parsing reference %q: %w", ref, err)
	}
	opts, err := f.options(ctx, r)
	if err != nil {
		return "", "", err
	}

	img, err := remote.Image(r, opts...)
	if err != nil {
		return "", "", fmt.Errorf("fetching image %q: %w", ref, err)
	}
	d, err := img.Digest()
	if err != nil {
		return "", "", fmt.Errorf("reading digest for %q: %w", ref, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return "", "", fmt.Errorf("reading layers for %q: %w", ref, err)
	}
	if len(layers) != 1 {
		return "", "", fmt.Errorf("module image %q: expected exactly one layer, got %d", ref, len(layers))
	}

	rc, err := layers[0].Uncompressed()
	if err != nil {
		return "", "", fmt.Errorf("reading layer for %q: %w", ref, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating download dir %q: %w", destDir, err)
	}

	tmp, err := os.CreateTemp(destDir, ".download-*")
	if err != nil {
		return "", "", fmt.Errorf("creating temp file in %q: %w", destDir, err)
	}
	tmpPath := tmp.Name()
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), rc); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("writing module %q: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("closing module %q: %w", ref, err)
	}

	finalPath := filepath.Join(destDir, d.Hex+".wasm")
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("installing module %q: %w", ref, err)
	}

	return finalPath, d.String(), nil
}

// ChecksumFile reports the sha256 digest of the file at path, in the
// same "sha256:<hex>" form as a digest string, for comparison against a
// manifest digest recorded before the module was downloaded.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %q: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// defaultHTTPClient builds a plain http.Client sharing the same custom-CA
// trust as the registry transport (e.g. to fetch a detached signature
// blob over plain HTTPS rather than the OCI distribution API). Nothing in
// this package calls it.
func (s *Sources) defaultHTTPClient(host string) (*http.Client, error) {
	transport, err := s.Transport(host)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}

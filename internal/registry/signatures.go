package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/kubewarden/policy-server/internal/verify"
)

// cosignSignatureAnnotation is the annotation key cosign's simple-signing
// format stores a layer's base64 ECDSA signature under.
const cosignSignatureAnnotation = "dev.cosignproject.cosign/signature"

// SignatureSource resolves a policy module's published signatures by
// fetching the companion "<digest-algo>-<digest-hex>.sig" tag the cosign
// convention publishes alongside the signed image, and reading each
// layer's payload plus its signature annotation. Grounded on
// go-containerregistry's remote.Image, the same library
// openshift-cluster-capi-operator/pkg/providerimages uses to pull image
// content; this is a deliberately narrow reader (see internal/verify's
// package doc) rather than a full sigstore client.
type SignatureSource struct {
	Fetcher *Fetcher
}

func NewSignatureSource(f *Fetcher) *SignatureSource {
	return &SignatureSource{Fetcher: f}
}

func (s *SignatureSource) Signatures(ctx context.Context, ref string) ([]verify.Signature, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing reference %q: %w", ref, err)
	}

	opts, err := s.Fetcher.options(ctx, r)
	if err != nil {
		return nil, err
	}
	subject, err := remote.Get(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", ref, err)
	}

	sigTag := r.Context().Tag(subject.Digest.Algorithm + "-" + subject.Digest.Hex + ".sig")
	sigOpts, err := s.Fetcher.options(ctx, sigTag)
	if err != nil {
		return nil, err
	}
	img, err := remote.Image(sigTag, sigOpts...)
	if err != nil {
		// No signature tag published at all; treat as zero signatures
		// rather than an error, so an unsigned module fails verification
		// normally (ErrVerificationFailed) instead of erroring out.
		return nil, nil
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("reading signature manifest for %q: %w", ref, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("reading signature layers for %q: %w", ref, err)
	}
	if len(layers) != len(manifest.Layers) {
		return nil, fmt.Errorf("signature image %q: layer count mismatch", sigTag)
	}

	sigs := make([]verify.Signature, 0, len(layers))
	for i, layer := range layers {
		desc := manifest.Layers[i]
		sigB64, ok := desc.Annotations[cosignSignatureAnnotation]
		if !ok {
			continue
		}
		rc, err := layer.Uncompressed()
		if err != nil {
			return nil, fmt.Errorf("reading signature payload: %w", err)
		}
		payload, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading signature payload: %w", err)
		}

		var annotations map[string]string
		if raw, ok := desc.Annotations["kubewarden.io/annotations"]; ok {
			_ = json.Unmarshal([]byte(raw), &annotations)
		}

		sigs = append(sigs, verify.Signature{
			KeyOwner:    desc.Annotations["kubewarden.io/keyOwner"],
			Payload:     payload,
			Sig:         sigB64,
			Annotations: annotations,
		})
	}

	return sigs, nil
}

package verify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignatureSource struct {
	sigs map[string][]Signature
}

func (f fakeSignatureSource) Signatures(_ context.Context, ref string) ([]Signature, error) {
	return f.sigs[ref], nil
}

func generateKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemBytes)
}

func sign(t *testing.T, key *ecdsa.PrivateKey, payload []byte) string {
	t.Helper()
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func TestVerifierAllOfSatisfied(t *testing.T) {
	key, pubPEM := generateKey(t)
	payload, err := json.Marshal(signedPayload{Digest: "sha256:abc"})
	require.NoError(t, err)

	source := fakeSignatureSource{sigs: map[string][]Signature{
		"registry.example.com/policy:v1": {
			{KeyOwner: "alice", Payload: payload, Sig: sign(t, key, payload)},
		},
	}}
	v := NewVerifier(source, StaticKeyStore{})

	cfg := &Config{AllOf: []Clause{{Kind: KindPubKey, Owner: "alice", Key: pubPEM}}}
	digest, err := v.Verify(context.Background(), "registry.example.com/policy:v1", cfg)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", digest)
}

func TestVerifierAllOfFailsWithoutMatchingSignature(t *testing.T) {
	_, pubPEM := generateKey(t)
	source := fakeSignatureSource{sigs: map[string][]Signature{}}
	v := NewVerifier(source, StaticKeyStore{})

	cfg := &Config{AllOf: []Clause{{Kind: KindPubKey, Owner: "alice", Key: pubPEM}}}
	_, err := v.Verify(context.Background(), "registry.example.com/policy:v1", cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifierAnyOfSucceedsWithOneMatch(t *testing.T) {
	keyA, pubA := generateKey(t)
	_, pubB := generateKey(t)
	payload, err := json.Marshal(signedPayload{Digest: "sha256:def"})
	require.NoError(t, err)

	source := fakeSignatureSource{sigs: map[string][]Signature{
		"ref": {{KeyOwner: "alice", Payload: payload, Sig: sign(t, keyA, payload)}},
	}}
	v := NewVerifier(source, StaticKeyStore{})

	cfg := &Config{AnyOf: []Clause{
		{Kind: KindPubKey, Owner: "bob", Key: pubB},
		{Kind: KindPubKey, Owner: "alice", Key: pubA},
	}}
	digest, err := v.Verify(context.Background(), "ref", cfg)
	require.NoError(t, err)
	assert.Equal(t, "sha256:def", digest)
}

func TestVerifierRejectsTamperedPayload(t *testing.T) {
	key, pubPEM := generateKey(t)
	payload, err := json.Marshal(signedPayload{Digest: "sha256:abc"})
	require.NoError(t, err)
	sig := sign(t, key, payload)

	tampered, err := json.Marshal(signedPayload{Digest: "sha256:evil"})
	require.NoError(t, err)

	source := fakeSignatureSource{sigs: map[string][]Signature{
		"ref": {{KeyOwner: "alice", Payload: tampered, Sig: sig}},
	}}
	v := NewVerifier(source, StaticKeyStore{})
	cfg := &Config{AllOf: []Clause{{Kind: KindPubKey, Owner: "alice", Key: pubPEM}}}

	_, err = v.Verify(context.Background(), "ref", cfg)
	require.Error(t, err)
}

func TestVerifierAnnotationsMustMatch(t *testing.T) {
	key, pubPEM := generateKey(t)
	payload, err := json.Marshal(signedPayload{Digest: "sha256:abc"})
	require.NoError(t, err)

	source := fakeSignatureSource{sigs: map[string][]Signature{
		"ref": {{
			KeyOwner:    "alice",
			Payload:     payload,
			Sig:         sign(t, key, payload),
			Annotations: map[string]string{"env": "staging"},
		}},
	}}
	v := NewVerifier(source, StaticKeyStore{})
	cfg := &Config{AllOf: []Clause{{
		Kind:        KindPubKey,
		Owner:       "alice",
		Key:         pubPEM,
		Annotations: map[string]string{"env": "production"},
	}}}

	_, err = v.Verify(context.Background(), "ref", cfg)
	require.Error(t, err)
}

func TestVerifierGithubActionClauseFailsVerificationNotHardError(t *testing.T) {
	source := fakeSignatureSource{sigs: map[string][]Signature{}}
	v := NewVerifier(source, StaticKeyStore{})

	cfg := &Config{AllOf: []Clause{{Kind: KindGithubAction, Owner: "kubewarden"}}}
	_, err := v.Verify(context.Background(), "ref", cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Contains(t, err.Error(), "missing signatures")
}

func TestVerifyEmptyConfigSucceeds(t *testing.T) {
	v := NewVerifier(fakeSignatureSource{}, StaticKeyStore{})
	digest, err := v.Verify(context.Background(), "ref", &Config{})
	require.NoError(t, err)
	assert.Empty(t, digest)
}

func TestVerifyLocalChecksumMismatch(t *testing.T) {
	err := VerifyLocalChecksum("/tmp/module.wasm", "sha256:want", func(string) (string, error) {
		return "sha256:got", nil
	})
	require.Error(t, err)
}

func TestVerifyLocalChecksumMatch(t *testing.T) {
	err := VerifyLocalChecksum("/tmp/module.wasm", "sha256:same", func(string) (string, error) {
		return "sha256:same", nil
	})
	require.NoError(t, err)
}

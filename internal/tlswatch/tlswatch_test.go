package tlswatch

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSelfSignedCert(t *testing.T, dir, label string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: label},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, label+"-cert.pem")
	keyPath = filepath.Join(dir, label+"-key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

	return certPath, keyPath
}

func TestSourceServesLoadedCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "first")

	src, err := NewSource(certPath, keyPath)
	require.NoError(t, err)

	cert, err := src.GetCertificate(nil)
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestSourceReloadSwapsCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath1, keyPath1 := writeSelfSignedCert(t, dir, "first")
	certPath2, keyPath2 := writeSelfSignedCert(t, dir, "second")

	src, err := NewSource(certPath1, keyPath1)
	require.NoError(t, err)
	first, err := src.GetCertificate(nil)
	require.NoError(t, err)

	require.NoError(t, src.Reload(certPath2, keyPath2))
	second, err := src.GetCertificate(nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestNewSourceFailsOnMissingFiles(t *testing.T) {
	_, err := NewSource("/nonexistent/cert.pem", "/nonexistent/key.pem")
	require.Error(t, err)
}

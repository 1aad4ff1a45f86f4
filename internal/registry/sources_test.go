package registry

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSourcesEmpty(t *testing.T) {
	s, err := ReadSources(nil)
	require.NoError(t, err)
	assert.False(t, s.IsInsecure("registry.example.com"))
}

func TestReadSourcesInsecureHosts(t *testing.T) {
	s, err := ReadSources([]byte(`insecure_hosts: ["localhost:5000"]`))
	require.NoError(t, err)
	assert.True(t, s.IsInsecure("localhost:5000"))
	assert.False(t, s.IsInsecure("registry.example.com"))
}

func TestReadSourcesRejectsMalformedYAML(t *testing.T) {
	_, err := ReadSources([]byte("not: [valid"))
	require.Error(t, err)
}

func TestTransportScopesInsecureToHost(t *testing.T) {
	s, err := ReadSources([]byte(`insecure_hosts: ["insecure.example.com"]`))
	require.NoError(t, err)

	secure, err := s.Transport("other.example.com")
	require.NoError(t, err)
	insecure, err := s.Transport("insecure.example.com")
	require.NoError(t, err)

	secureTransport, ok := secure.(*http.Transport)
	require.True(t, ok)
	insecureTransport, ok := insecure.(*http.Transport)
	require.True(t, ok)

	assert.False(t, secureTransport.TLSClientConfig.InsecureSkipVerify)
	assert.True(t, insecureTransport.TLSClientConfig.InsecureSkipVerify)
}

func TestTransportRejectsMissingCACert(t *testing.T) {
	s := &Sources{CACertPath: "/nonexistent/ca.pem"}
	_, err := s.Transport("registry.example.com")
	require.Error(t, err)
}

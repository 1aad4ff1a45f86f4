package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTLSFilesRequiresBothOrNeither(t *testing.T) {
	require.NoError(t, ValidateTLSFiles("", ""))
	require.NoError(t, ValidateTLSFiles("cert.pem", "key.pem"))

	err := ValidateTLSFiles("cert.pem", "")
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
}

func TestConfigAddr(t *testing.T) {
	c := &Config{Address: "0.0.0.0", Port: 3000}
	assert.Equal(t, "0.0.0.0:3000", c.Addr())
}

func TestConfigTLSEnabled(t *testing.T) {
	c := &Config{}
	assert.False(t, c.TLSEnabled())
	c.CertFile, c.KeyFile = "a", "b"
	assert.True(t, c.TLSEnabled())
}

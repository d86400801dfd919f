package auth

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultTLSConfig().Validate())

	cfg := &TLSConfig{Enabled: true}
	assert.Error(t, cfg.Validate())

	cfg = &TLSConfig{Enabled: true, CertPath: "c", KeyPath: "k", RequireClientAuth: true}
	assert.Error(t, cfg.Validate())

	cfg.ClientCAPath = "ca"
	assert.NoError(t, cfg.Validate())
}

func TestTLSConfigBuilder_Disabled(t *testing.T) {
	b, err := NewTLSConfigBuilder(nil)
	require.NoError(t, err)

	server, err := b.BuildServerConfig()
	require.NoError(t, err)
	assert.Nil(t, server)

	client, err := b.BuildClientConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), client.MinVersion)
	assert.Nil(t, client.RootCAs)
}

func TestTLSConfigBuilder_MissingCA(t *testing.T) {
	b, err := NewTLSConfigBuilder(&TLSConfig{CAPath: "/non/existent/ca.crt", MinTLSVersion: "1.3"})
	require.NoError(t, err)

	_, err = b.BuildClientConfig()
	assert.Error(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), b.getTLSVersion())
}

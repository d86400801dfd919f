package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigBuilder builds TLS configurations for the HTTP listener and the
// outbound handshake client
type TLSConfigBuilder struct {
	config *TLSConfig
}

// NewTLSConfigBuilder creates a new TLS configuration builder
func NewTLSConfigBuilder(config *TLSConfig) (*TLSConfigBuilder, error) {
	if config == nil {
		config = DefaultTLSConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TLSConfigBuilder{config: config}, nil
}

// BuildServerConfig creates TLS configuration for the federation listener.
// Returns nil when TLS is disabled.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   b.getTLSVersion(),
		CipherSuites: b.getCipherSuites(),
	}

	if b.config.RequireClientAuth {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		path := b.config.ClientCAPath
		if path == "" {
			path = b.config.CAPath
		}
		clientCAPool, err := b.loadCAPool(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA pool: %w", err)
		}
		tlsConfig.ClientCAs = clientCAPool
	}

	return tlsConfig, nil
}

// BuildClientConfig creates TLS configuration for outbound calls to peers.
// Peers present publicly trusted certificates, so the system pool is used
// unless a CA path is configured.
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: b.getTLSVersion(),
	}

	if b.config.CAPath != "" {
		caPool, err := b.loadCAPool(b.config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA pool: %w", err)
		}
		tlsConfig.RootCAs = caPool
	}

	return tlsConfig, nil
}

// loadCAPool loads a CA certificate pool from file
func (b *TLSConfigBuilder) loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return caPool, nil
}

// getTLSVersion returns the minimum TLS version from config
func (b *TLSConfigBuilder) getTLSVersion() uint16 {
	switch b.config.MinTLSVersion {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// getCipherSuites returns the TLS 1.2 suites offered; TLS 1.3 suites are fixed by the runtime.
func (b *TLSConfigBuilder) getCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

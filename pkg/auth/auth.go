package auth

import (
	"errors"
)

var (
	ErrInvalidKey     = errors.New("invalid key")
	ErrDecryption     = errors.New("decryption failed")
	ErrMessageTooLong = errors.New("message too long for key size")
	ErrBadSignature   = errors.New("signature verification failed")
)

// DefaultKeyBits is the size of per-relationship keypairs.
const DefaultKeyBits = 4096

// TLSConfig holds TLS settings for the HTTP listener and the outbound handshake client
type TLSConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	CertPath          string `json:"cert" yaml:"cert"`
	KeyPath           string `json:"key" yaml:"key"`
	CAPath            string `json:"ca_cert,omitempty" yaml:"ca_cert,omitempty"`
	ClientCAPath      string `json:"client_ca,omitempty" yaml:"client_ca,omitempty"`
	RequireClientAuth bool   `json:"require_client_auth" yaml:"require_client_auth"`
	MinTLSVersion     string `json:"min_tls_version,omitempty" yaml:"min_tls_version,omitempty"`
}

// DefaultTLSConfig returns default TLS configuration
func DefaultTLSConfig() *TLSConfig {
	return &TLSConfig{
		Enabled:           false,
		RequireClientAuth: false,
		MinTLSVersion:     "1.2",
	}
}

// Validate checks if the TLS configuration is valid
func (c *TLSConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	if c.CertPath == "" || c.KeyPath == "" {
		return errors.New("certificate and key paths are required when TLS is enabled")
	}

	if c.RequireClientAuth && c.ClientCAPath == "" && c.CAPath == "" {
		return errors.New("client CA path is required when client authentication is required")
	}

	return nil
}

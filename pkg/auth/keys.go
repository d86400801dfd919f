package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
)

// GenerateKeyPair creates an RSA keypair and returns it PEM encoded
// (PKCS#8 private key, PKIX public key).
func GenerateKeyPair(bits int) (privPEM, pubPEM string, err error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return privPEM, pubPEM, nil
}

// ParsePrivateKey accepts PKCS#1 ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") PEM.
func ParsePrivateKey(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}
}

// ParsePublicKey accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") PEM.
func ParsePublicKey(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}
}

// PublicKeyPEM returns the PKIX PEM form of the public half of priv.
func PublicKeyPEM(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// SignSHA256 produces an RSASSA-PKCS1-v1_5 signature over SHA-256(data).
func SignSHA256(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// VerifySHA256 checks an RSASSA-PKCS1-v1_5 SHA-256 signature.
func VerifySHA256(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// PrivateEncrypt pads msg with PKCS#1 v1.5 block type 1 and applies the
// private key, so anyone holding the public key can recover msg.
func PrivateEncrypt(priv *rsa.PrivateKey, msg []byte) ([]byte, error) {
	if len(msg) > priv.Size()-11 {
		return nil, ErrMessageTooLong
	}
	// With crypto.Hash(0) the input is signed as-is, without a DigestInfo prefix.
	out, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.Hash(0), msg)
	if err != nil {
		return nil, fmt.Errorf("failed to private-encrypt: %w", err)
	}
	return out, nil
}

// PublicDecrypt reverses PrivateEncrypt.
func PublicDecrypt(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	k := pub.Size()
	if len(data) != k {
		return nil, ErrDecryption
	}

	c := new(big.Int).SetBytes(data)
	if c.Cmp(pub.N) >= 0 {
		return nil, ErrDecryption
	}
	m := new(big.Int).Exp(c, big.NewInt(int64(pub.E)), pub.N)
	em := m.FillBytes(make([]byte, k))

	// EM = 0x00 || 0x01 || PS (>= 8 bytes of 0xff) || 0x00 || M
	if em[0] != 0x00 || em[1] != 0x01 {
		return nil, ErrDecryption
	}
	i := 2
	for i < k && em[i] == 0xff {
		i++
	}
	if i == k || em[i] != 0x00 || i-2 < 8 {
		return nil, ErrDecryption
	}
	return em[i+1:], nil
}

// PublicEncrypt encrypts msg with PKCS#1 v1.5 block type 2 padding.
func PublicEncrypt(pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to public-encrypt: %w", err)
	}
	return out, nil
}

// PrivateDecrypt reverses PublicEncrypt.
func PrivateDecrypt(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	out, err := rsa.DecryptPKCS1v15(nil, priv, data)
	if err != nil {
		return nil, ErrDecryption
	}
	return out, nil
}

package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// SymmetricKeySize is the number of random bytes in a generated bulk key.
// Keys are zero-padded to 32 bytes before use, matching the peers that
// originally defined the exchange.
const SymmetricKeySize = 16

// NewSymmetricKey returns fresh random key material.
func NewSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate symmetric key: %w", err)
	}
	return key, nil
}

func paddedKey(key []byte) ([]byte, error) {
	if len(key) == 0 || len(key) > 32 {
		return nil, fmt.Errorf("%w: symmetric key must be 1-32 bytes", ErrInvalidKey)
	}
	out := make([]byte, 32)
	copy(out, key)
	return out, nil
}

// EncryptAES256CBC encrypts with AES-256-CBC, PKCS#7 padding and a zero IV.
func EncryptAES256CBC(plain, key []byte) ([]byte, error) {
	k, err := paddedKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	buf := make([]byte, len(plain)+pad)
	copy(buf, plain)
	copy(buf[len(plain):], bytes.Repeat([]byte{byte(pad)}, pad))

	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return buf, nil
}

// DecryptAES256CBC reverses EncryptAES256CBC.
func DecryptAES256CBC(data, key []byte) ([]byte, error) {
	k, err := paddedKey(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrDecryption
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, len(data))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, ErrDecryption
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, ErrDecryption
		}
	}
	return out[:len(out)-pad], nil
}

// Package security provides the symmetric cipher that protects OAuth tokens at rest.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	keySize   = 32
	nonceSize = 12
)

// ErrDecrypt is returned when a ciphertext cannot be decrypted (corrupt input, wrong
// key, or failed authentication tag). Callers treat it as "no usable credential".
var ErrDecrypt = errors.New("security: decrypt failed")

// TokenCipher encrypts and decrypts token strings with AES-256-GCM. Every Encrypt
// call draws a fresh random nonce and prepends it to the ciphertext before encoding.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher builds a cipher from the configured secret. The key is the secret's
// bytes padded or truncated to 32 bytes.
//
// TODO: replace the pad/truncate step with a real KDF (e.g. HKDF); doing so requires
// a coordinated re-encryption of any persisted session.
func NewTokenCipher(secret string) (*TokenCipher, error) {
	key := make([]byte, keySize)
	copy(key, secret)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// Encrypt returns the base64 encoding of nonce||ciphertext||tag. The empty string
// passes through unchanged so optional token fields stay optional.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. The empty string passes through unchanged. All decode
// and authentication failures are reported as errors wrapping ErrDecrypt.
func (c *TokenCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

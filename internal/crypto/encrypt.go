// Package crypto seals datasource credentials and hashes user passwords.
//
// Credential sealing uses AES-256-GCM with a fresh random nonce per call, so
// two encryptions of the same plaintext never produce the same ciphertext.
// Ciphertexts carry a version tag ("v1:") so the key or construction can be
// rotated later without guessing at stored formats.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the required AES key length in bytes (AES-256).
const KeySize = 32

// versionPrefix tags ciphertexts with the sealing construction version.
const versionPrefix = "v1:"

// ErrInvalidCiphertext indicates a malformed, truncated, or tampered ciphertext.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// ParseKey decodes a base64 encryption key and checks its length.
// Accepts both standard and raw (unpadded) base64.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Sealer encrypts and decrypts small secrets (datasource DSNs) with
// AES-256-GCM. Safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Encrypt seals plaintext and returns "v1:" + base64(nonce || ciphertext).
func (s *Sealer) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. It validates the version
// tag and the GCM authentication tag; any tampering yields ErrInvalidCiphertext.
func (s *Sealer) Decrypt(encoded string) (string, error) {
	if !strings.HasPrefix(encoded, versionPrefix) {
		return "", fmt.Errorf("%w: missing version tag", ErrInvalidCiphertext)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, versionPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrInvalidCiphertext)
	}
	return string(plaintext), nil
}

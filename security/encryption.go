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

// encryptionKeySize is the AES-256 key length in bytes
const encryptionKeySize = 32

// Encryptor encrypts token records before they reach shared storage, so a
// compromised Valkey instance or backup does not leak bearer tokens.
// Records are sealed with AES-256-GCM and stored as base64 of
// nonce||ciphertext. A nil or empty key disables encryption and both
// operations become pass-throughs.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an encryptor from a raw key. The key must be exactly
// 32 bytes; nil or empty disables encryption.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", encryptionKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// IsEnabled reports whether records are actually being encrypted
func (e *Encryptor) IsEnabled() bool {
	return e.aead != nil
}

// Encrypt seals a record for storage. Each call draws a fresh random nonce,
// which GCM requires for key safety under reuse.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if e.aead == nil {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored record. Tampered or truncated ciphertext fails GCM
// authentication and returns an error rather than garbage.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if e.aead == nil {
		return encoded, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("stored record is not valid base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", errors.New("stored record is shorter than the nonce")
	}

	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt record: %w", err)
	}
	return string(plaintext), nil
}

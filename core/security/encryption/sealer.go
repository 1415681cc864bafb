// Package encryption seals row payloads with AES-GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	ErrInvalidKey = errors.New("invalid encryption key")
	ErrOpen       = errors.New("message authentication failed")
)

// Sealer provides authenticated encryption. The nonce is prepended to every
// sealed message.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer creates a Sealer. The key must be 16, 24, or 32 bytes long to
// select AES-128, AES-192, or AES-256 respectively.
func NewSealer(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// LoadKeyFile reads a hex-encoded key and returns a Sealer for it.
func LoadKeyFile(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: key file is not hex: %v", ErrInvalidKey, err)
	}
	return NewSealer(key)
}

// Overhead is the number of bytes Seal adds to a message.
func (s *Sealer) Overhead() int { return s.gcm.NonceSize() + s.gcm.Overhead() }

// Seal encrypts plaintext. aad is authenticated but not stored.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize(), s.gcm.NonceSize()+len(plaintext)+s.gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. It fails with ErrOpen when the message or aad was altered.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(sealed) < nonceSize+s.gcm.Overhead() {
		return nil, fmt.Errorf("%w: message of %d bytes is too short", ErrOpen, len(sealed))
	}
	plaintext, err := s.gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return plaintext, nil
}

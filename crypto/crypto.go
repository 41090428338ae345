// Package crypto seals conferencing bot credentials before they are written to
// the meetings table. Sealed values are AES-256-GCM (nonce || ciphertext || tag)
// encoded as base64 so they fit a TEXT column.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Version values stored next to sealed columns.
const (
	VersionPlaintext = 0
	VersionAESGCM    = 1
)

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("crypto: sealed value failed authentication")

// Sealer encrypts and decrypts short secrets.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Box is a Sealer backed by one AES-256 key.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a base64-encoded 32-byte key
// (for example the output of `openssl rand -base64 32`).
func NewBox(base64Key string) (*Box, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("crypto: key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("crypto: key base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// FromEnv returns a Box for ENCRYPTION_KEY, or nil when the variable is unset.
func FromEnv() (*Box, error) {
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Warn("ENCRYPTION_KEY not set, bot credentials are stored in plaintext", slog.String("component", "crypto"))
		return nil, nil
	}
	return NewBox(key)
}

// Seal encrypts plaintext. The empty string seals to the empty string.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("crypto: base64 decode failed: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns+b.aead.Overhead() {
		return "", fmt.Errorf("crypto: sealed value too short (%d bytes)", len(raw))
	}
	pt, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrOpen
	}
	return string(pt), nil
}

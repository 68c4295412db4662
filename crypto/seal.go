// Package crypto seals locally persisted drafts so that a shared cache never
// holds composition text in the clear.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of a sealing secret and of derived keys.
	KeySize = chacha20poly1305.KeySize

	draftKeyInfo = "chatsync draft sealing v1"
)

// ErrMalformedSealed is returned when a sealed value cannot be decoded.
var ErrMalformedSealed = errors.New("malformed sealed value")

// Sealer encrypts values with XChaCha20-Poly1305 under a key derived from a
// device secret with HKDF-SHA256.
type Sealer struct {
	key []byte
}

// NewSealer derives the draft key from secret. The secret must be at least
// KeySize bytes.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < KeySize {
		return nil, fmt.Errorf("invalid sealing secret length: got %d want at least %d", len(secret), KeySize)
	}

	key := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, secret, nil, []byte(draftKeyInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive draft key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext bound to associatedData and returns
// base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext, associatedData []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, associatedData)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. The associated data must match the one used to seal.
func (s *Sealer) Open(sealed string, associatedData []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSealed, err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrMalformedSealed)
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return plaintext, nil
}

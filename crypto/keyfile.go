package crypto

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const draftSecretPEMType = "CHATSYNC DRAFT SECRET"

// EnsureSecret loads the device sealing secret from disk, generating it if absent.
func EnsureSecret(path string) ([]byte, error) {
	secret, err := LoadSecret(path)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	secret, err = GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := SaveSecret(path, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// GenerateSecret returns KeySize random bytes.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, KeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate sealing secret: %w", err)
	}
	return secret, nil
}

// LoadSecret reads a sealing secret from PEM.
func LoadSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sealing secret: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode sealing secret PEM: no PEM block")
	}
	if block.Type != draftSecretPEMType {
		return nil, fmt.Errorf("decode sealing secret PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != KeySize {
		return nil, fmt.Errorf("decode sealing secret PEM: invalid size %d", len(block.Bytes))
	}
	return block.Bytes, nil
}

// SaveSecret writes a sealing secret PEM file with 0600 permissions.
func SaveSecret(path string, secret []byte) error {
	block := &pem.Block{
		Type:  draftSecretPEMType,
		Bytes: secret,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write sealing secret: %w", err)
	}
	return nil
}

package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	sealer, err := NewSealer(secret)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	plaintext := []byte(`{"text":"half-written reply"}`)
	sealed, err := sealer.Seal(plaintext, []byte("conv-1"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains([]byte(sealed), []byte("half-written")) {
		t.Fatalf("sealed value leaks plaintext")
	}

	opened, err := sealer.Open(sealed, []byte("conv-1"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("opened plaintext does not match original")
	}
}

func TestOpenRejectsWrongAssociatedData(t *testing.T) {
	sealer, err := NewSealer(bytes.Repeat([]byte{7}, KeySize))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	sealed, err := sealer.Seal([]byte("draft"), []byte("conv-1"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := sealer.Open(sealed, []byte("conv-2")); err == nil {
		t.Fatalf("expected Open to fail for a different conversation")
	}
}

func TestOpenRejectsMalformedInput(t *testing.T) {
	sealer, err := NewSealer(bytes.Repeat([]byte{1}, KeySize))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	for _, input := range []string{"%%%", "c2hvcnQ="} {
		if _, err := sealer.Open(input, nil); !errors.Is(err, ErrMalformedSealed) {
			t.Fatalf("expected ErrMalformedSealed for %q, got %v", input, err)
		}
	}
}

func TestNewSealerRejectsShortSecret(t *testing.T) {
	if _, err := NewSealer([]byte("short")); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestEnsureSecretPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "draft.key")

	first, err := EnsureSecret(path)
	if err != nil {
		t.Fatalf("EnsureSecret failed: %v", err)
	}
	second, err := EnsureSecret(path)
	if err != nil {
		t.Fatalf("EnsureSecret reload failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected persisted secret to be reused")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat secret file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

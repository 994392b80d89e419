package util

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestPlayerKeySignVerify(t *testing.T) {
	key, err := GeneratePlayerKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	challenge := []byte("challenge-bytes")
	sig, err := key.Sign(challenge)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifySignature(key.PublicKey(), challenge, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifySignature(key.PublicKey(), []byte("other"), sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if err := VerifySignature([]byte("junk"), challenge, sig); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestLoadOrCreatePlayerKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "player.pem")
	first, err := LoadOrCreatePlayerKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := LoadOrCreatePlayerKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.Hash() != second.Hash() {
		t.Fatalf("hash changed across reload: %s != %s", first.Hash(), second.Hash())
	}
	if len(first.Hash()) != 64 {
		t.Fatalf("unexpected hash length %d", len(first.Hash()))
	}
}

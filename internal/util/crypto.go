package util

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrBadSignature     = errors.New("signature verification failed")
)

// PlayerKey is the long-lived identity a client proves ownership of during
// authentication. Its public half is hashed to key player data on the server.
type PlayerKey struct {
	private *ecdsa.PrivateKey
}

// GeneratePlayerKey creates a fresh P-256 key.
func GeneratePlayerKey() (*PlayerKey, error) {
	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return &PlayerKey{private: pk}, nil
}

// LoadOrCreatePlayerKey reads a PEM encoded key from path, generating and
// saving a new one when the file does not exist.
func LoadOrCreatePlayerKey(path string) (*PlayerKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key, err := GeneratePlayerKey()
		if err != nil {
			return nil, err
		}
		if err := key.Save(path); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Str("hash", key.Hash()).Msg("generated new player key")
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("key file %s: no EC PRIVATE KEY block", path)
	}
	pk, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &PlayerKey{private: pk}, nil
}

// Save writes the private key as PEM with owner-only permissions.
func (k *PlayerKey) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	der, err := x509.MarshalECPrivateKey(k.private)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// PublicKey returns the DER encoded public key sent to the server.
func (k *PlayerKey) PublicKey() []byte {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return nil
	}
	return der
}

// Hash returns the key hash identifying this player across sessions.
func (k *PlayerKey) Hash() string {
	return KeyHash(k.PublicKey())
}

// Sign produces an ASN.1 ECDSA signature over sha256(data).
func (k *PlayerKey) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, k.private, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// KeyHash returns the hex sha256 of a DER public key.
func KeyHash(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks sig over data against a DER encoded public key.
func VerifySignature(publicKey, data, sig []byte) error {
	parsed, err := x509.ParsePKIXPublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return ErrInvalidPublicKey
	}
	digest := sha256.Sum256(data)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return ErrBadSignature
	}
	return nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

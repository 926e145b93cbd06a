package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// EnvMasterKey is the environment variable holding the base64-encoded
	// 32-byte master key.
	EnvMasterKey = "IDENTITY_MASTER_KEY"

	masterKeyLength = 32 // AES-256
	nonceSize       = 12 // 96-bit GCM nonce
	sep             = "|"

	// hkdfInfo separates the AEAD subkey from any other key material
	// derived from the same master key.
	hkdfInfo = "nimbuscrm/identity/secrets/v1"
)

var (
	// ErrDecryptionFailed is returned for any envelope that fails
	// authentication or parsing. No partial plaintext is ever returned.
	ErrDecryptionFailed = errors.New("secrets: decryption failed")

	// ErrNoMasterKey is returned by FromEnv when the master key is unset.
	ErrNoMasterKey = fmt.Errorf("secrets: %s is not set; generate one with: openssl rand -base64 32", EnvMasterKey)
)

// Box performs authenticated encryption of secrets at rest
type Box struct {
	aead cipher.AEAD
}

// New creates a Box from a raw 32-byte master key. The AEAD subkey is
// derived with HKDF-SHA256 so the master key itself never touches the
// cipher.
func New(masterKey []byte) (*Box, error) {
	if len(masterKey) != masterKeyLength {
		return nil, fmt.Errorf("secrets: master key must be %d bytes, got %d", masterKeyLength, len(masterKey))
	}

	subKey := make([]byte, masterKeyLength)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, subKey); err != nil {
		return nil, fmt.Errorf("secrets: derive subkey: %w", err)
	}

	block, err := aes.NewCipher(subKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher.NewGCM: %w", err)
	}

	return &Box{aead: aead}, nil
}

// FromEnv creates a Box from IDENTITY_MASTER_KEY (base64). A missing or
// malformed key is an error; there is deliberately no generated fallback.
func FromEnv() (*Box, error) {
	encoded := strings.TrimSpace(os.Getenv(EnvMasterKey))
	if encoded == "" {
		return nil, ErrNoMasterKey
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode %s: %w", EnvMasterKey, err)
	}

	return New(key)
}

// Encrypt seals plaintext with context bound as additional authenticated
// data and returns base64(nonce)|base64(ciphertext).
func (b *Box) Encrypt(plaintext, context string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}

	ciphertext := b.aead.Seal(nil, nonce, []byte(plaintext), []byte(context))

	return base64.StdEncoding.EncodeToString(nonce) + sep +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens an envelope produced by Encrypt. The same context string
// must be supplied; any mismatch, truncation or bit flip yields
// ErrDecryptionFailed.
func (b *Box) Decrypt(envelope, context string) (string, error) {
	parts := strings.Split(envelope, sep)
	if len(parts) != 2 {
		return "", ErrDecryptionFailed
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", ErrDecryptionFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrDecryptionFailed
	}

	plaintext, err := b.aead.Open(nil, nonce, ciphertext, []byte(context))
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

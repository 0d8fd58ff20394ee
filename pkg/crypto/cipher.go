package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of a session key in bytes.
const KeySize = 32

// Suite names an AEAD construction.
type Suite string

const (
	SuiteAESGCM           Suite = "aes-256-gcm"
	SuiteChaCha20Poly1305 Suite = "chacha20-poly1305"
)

var (
	ErrInvalidKey   = errors.New("crypto: session key must be 32 bytes")
	ErrUnknownSuite = errors.New("crypto: unknown cipher suite")
	ErrShortNonce   = errors.New("crypto: nonce has wrong length")
)

// Cipher seals and opens fragment payloads under one session key.
type Cipher interface {
	Suite() Suite
	NonceSize() int
	Overhead() int
	// NewNonce returns a fresh random nonce of NonceSize bytes.
	NewNonce() ([]byte, error)
	Seal(nonce, plaintext, aad []byte) ([]byte, error)
	Open(nonce, ciphertext, aad []byte) ([]byte, error)
}

type aeadCipher struct {
	suite Suite
	aead  cipher.AEAD
}

// New derives a per-suite subkey from sessionKey and returns a Cipher for it.
func New(suite Suite, sessionKey []byte) (Cipher, error) {
	if len(sessionKey) != KeySize {
		return nil, ErrInvalidKey
	}
	subkey, err := deriveKey(suite, sessionKey)
	if err != nil {
		return nil, err
	}

	var aead cipher.AEAD
	switch suite {
	case SuiteAESGCM:
		block, err := aes.NewCipher(subkey)
		if err != nil {
			return nil, fmt.Errorf("create AES cipher: %w", err)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
	case SuiteChaCha20Poly1305:
		aead, err = chacha20poly1305.New(subkey)
		if err != nil {
			return nil, fmt.Errorf("create chacha20poly1305: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuite, suite)
	}
	return &aeadCipher{suite: suite, aead: aead}, nil
}

func (c *aeadCipher) Suite() Suite   { return c.suite }
func (c *aeadCipher) NonceSize() int { return c.aead.NonceSize() }
func (c *aeadCipher) Overhead() int  { return c.aead.Overhead() }

func (c *aeadCipher) NewNonce() ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

func (c *aeadCipher) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != c.aead.NonceSize() {
		return nil, ErrShortNonce
	}
	return c.aead.Seal(nil, nonce, plaintext, aad), nil
}

func (c *aeadCipher) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != c.aead.NonceSize() {
		return nil, ErrShortNonce
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// deriveKey binds the subkey to the suite so one session key never feeds two constructions.
func deriveKey(suite Suite, sessionKey []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sessionKey, nil, []byte("peerfilesharer fragment "+string(suite)))
	subkey := make([]byte, KeySize)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return subkey, nil
}

// GenerateKey returns KeySize random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// EncodeKey renders a key in the form exchanged over signaling.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses a key produced by EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// ParseSuite maps a configuration string to a Suite, defaulting to AES-GCM.
func ParseSuite(s string) (Suite, error) {
	switch Suite(s) {
	case "", SuiteAESGCM:
		return SuiteAESGCM, nil
	case SuiteChaCha20Poly1305:
		return SuiteChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSuite, s)
	}
}

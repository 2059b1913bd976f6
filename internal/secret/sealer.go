// Package secret seals short strings (OAuth tokens) for storage at rest with
// AES-256-GCM under a key derived from a passphrase with Argon2id.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4

	// prefix marks sealed values so plaintext rows written before a
	// passphrase was configured can still be read.
	prefix = "sealed:v1:"
)

// ErrMalformed is returned when a sealed value cannot be decoded.
var ErrMalformed = errors.New("malformed sealed value")

// Sealer encrypts and decrypts values. Output format, base64 encoded after
// the prefix: [16-byte salt][12-byte nonce][AES-256-GCM ciphertext].
type Sealer struct {
	passphrase string
	salt       []byte

	mu   sync.Mutex
	keys map[string][]byte // derived keys by salt
}

// NewSealer creates a Sealer. A fresh random salt is used for values sealed
// by this instance; values sealed under other salts are still opened.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return &Sealer{passphrase: passphrase, salt: salt, keys: make(map[string][]byte)}, nil
}

// Seal encrypts plaintext. The empty string is returned unchanged.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := s.aead(s.salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	out = append(out, s.salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned as-is.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(data) < saltSize+nonceSize {
		return "", ErrMalformed
	}

	gcm, err := s.aead(data[:saltSize])
	if err != nil {
		return "", err
	}
	nonce := data[saltSize : saltSize+nonceSize]
	plaintext, err := gcm.Open(nil, nonce, data[saltSize+nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, prefix)
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	s.mu.Lock()
	key, ok := s.keys[string(salt)]
	if !ok {
		key = argon2.IDKey([]byte(s.passphrase), salt, argonTime, argonMem, argonPar, keySize)
		s.keys[string(salt)] = key
	}
	s.mu.Unlock()

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

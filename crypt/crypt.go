// Package crypt derives a symmetric key from a user password and
// encrypts individual record fields with it. Each call to Encrypt uses
// a fresh random nonce, so encrypting the same value twice yields
// different tokens.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters. The salt is fixed: the engine assumes a
// single local user, and the password is never stored.
const (
	fixedSalt  = "secure-salt"
	iterations = 100_000
	keyLength  = 32 // AES-256
	nonceSize  = 12 // AES-GCM standard nonce
)

// ErrNotInitialized reports use of the cipher before Initialize has
// derived a key.
var ErrNotInitialized = errors.New("cipher not initialized")

// Cipher encrypts and decrypts field values once initialized with a
// password. The zero value is usable but not initialized; until then
// Ready reports false and Encrypt/Decrypt fail.
type Cipher struct {
	mu   sync.RWMutex
	aead cipher.AEAD
}

// New returns an uninitialized Cipher.
func New() *Cipher {
	return &Cipher{}
}

// Initialize derives a 256-bit AES-GCM key from password using
// PBKDF2-SHA256. Any failure leaves the cipher uninitialized.
func (c *Cipher) Initialize(password string) error {
	key := pbkdf2.Key([]byte(password), []byte(fixedSalt), iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("could not build cipher from derived key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("could not build GCM: %w", err)
	}
	c.mu.Lock()
	c.aead = aead
	c.mu.Unlock()
	return nil
}

// Ready reports whether a key has been derived.
func (c *Cipher) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aead != nil
}

// Encrypt serializes value (strings pass as-is, everything else as
// JSON), encrypts it under a fresh nonce and returns
// base64(nonce||ciphertext).
func (c *Cipher) Encrypt(value any) (string, error) {
	c.mu.RLock()
	aead := c.aead
	c.mu.RUnlock()
	if aead == nil {
		return "", ErrNotInitialized
	}

	var plaintext []byte
	if s, ok := value.(string); ok {
		plaintext = []byte(s)
	} else {
		var err error
		plaintext, err = json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("could not serialize value: %w", err)
		}
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("could not generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. The plaintext is JSON-parsed where
// possible, falling back to the raw string for values that were stored
// as plain strings.
func (c *Cipher) Decrypt(token string) (any, error) {
	c.mu.RLock()
	aead := c.aead
	c.mu.RUnlock()
	if aead == nil {
		return nil, ErrNotInitialized
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("could not decode token: %w", err)
	}
	if len(raw) < nonceSize {
		return nil, errors.New("token too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt token: %w", err)
	}

	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return string(plaintext), nil
	}
	return value, nil
}

package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeyLen is the AES-256 key length in bytes.
const KeyLen = 32

var (
	ErrBadKeyLen      = errors.New("encryption key must be 32 bytes")
	ErrSealedTooShort = errors.New("sealed message too short")
)

// Crypter seals chat messages with AES-256-GCM using a process-lifetime key
// and a random per-message nonce. The nonce is prepended to the ciphertext
// and the whole envelope is base64 encoded.
type Crypter struct {
	aead cipher.AEAD
}

// NewCrypter builds a crypter from a 32-byte key.
func NewCrypter(key []byte) (*Crypter, error) {
	if len(key) != KeyLen {
		return nil, ErrBadKeyLen
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Crypter{aead: aead}, nil
}

// NewRandomKey returns a fresh 32-byte key.
func NewRandomKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals a plaintext message.
func (c *Crypter) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed message, verifying the authentication tag.
func (c *Crypter) Decrypt(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrSealedTooShort
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}

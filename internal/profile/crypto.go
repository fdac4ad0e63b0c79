package profile

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the AES-256 key length.
const KeySize = 32

var (
	ErrInvalidKey = errors.New("profile: encryption key is not configured")
	errShortBlob  = errors.New("profile: sealed data too short")
)

// ParseKey turns PROFILE_KEY into an AES-256 key: a base64 value that
// decodes to 32 bytes is used as is, anything else is treated as a
// passphrase and hashed with SHA-256.
func ParseKey(value string) ([]byte, error) {
	if value == "" {
		return nil, ErrInvalidKey
	}
	if raw, err := base64.StdEncoding.DecodeString(value); err == nil && len(raw) == KeySize {
		return raw, nil
	}
	sum := sha256.Sum256([]byte(value))
	return sum[:], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("profile: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// seal encrypts plaintext and returns nonce‖ciphertext.
func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("profile: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize()+gcm.Overhead() {
		return nil, errShortBlob
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

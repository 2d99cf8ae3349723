package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// ErrCiphertextTooShort is returned when a payload cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// newAEAD derives a 32 byte key from secret and returns an AES-GCM cipher.
func newAEAD(secret string) (cipher.AEAD, error) {
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with AES-GCM. The nonce is prepended to the output.
func Seal(secret, plaintext string) ([]byte, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open reverses Seal.
func Open(secret string, payload []byte) (string, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return "", err
	}
	n := aead.NonceSize()
	if len(payload) < n {
		return "", ErrCiphertextTooShort
	}
	plain, err := aead.Open(nil, payload[:n], payload[n:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

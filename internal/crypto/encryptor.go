// Package crypto provides the AES-GCM encryption used to protect
// secrets that fall back to the database because no OS keyring is
// available.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Encryptor encrypts and decrypts secrets with a key derived once at
// construction time from machine-local key material.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives an AES-256-GCM key from masterSecret via HKDF
// and returns an Encryptor ready for use. masterSecret should be a
// high-entropy value that does not itself need to be stored in the
// database (e.g. a value sealed in the OS keyring).
func NewEncryptor(masterSecret []byte) (*Encryptor, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("crypto: empty master secret")
	}

	hkdfReader := hkdf.New(sha3.New256, masterSecret, nil, []byte("coldvault-archived-credentials"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64-encoded nonce||ciphertext
// suitable for storing in a TEXT column.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("crypto: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

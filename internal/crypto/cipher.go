package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
	// KeySize is the AES-256 key length.
	KeySize = 32
)

var (
	// ErrWrongKey indicates the ciphertext could not be authenticated with the supplied key.
	ErrWrongKey = errors.New("crypto: wrong key")
	// ErrNoKey indicates an encrypted payload was found but no key is configured.
	ErrNoKey = errors.New("crypto: no key configured")
	// ErrMalformedCiphertext indicates the payload is neither JSON nor a sealed envelope.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")
)

// Encrypt seals plaintext with AES-256-GCM. The result is nonce || ciphertext || tag.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aesGCM.Seal(nil, nonce, plaintext, nil)
	result := make([]byte, 0, len(nonce)+len(sealed))
	result = append(result, nonce...)
	result = append(result, sealed...)
	return result, nil
}

// Decrypt opens data produced by Encrypt. Authentication failures map to ErrWrongKey.
func Decrypt(encrypted, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(encrypted) < NonceSize {
		return nil, ErrMalformedCiphertext
	}

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, encrypted[:NonceSize], encrypted[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongKey, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

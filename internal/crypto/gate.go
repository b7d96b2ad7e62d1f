package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltSize is the per-file argon2 salt length.
	SaltSize = 16

	envelopePrefix = "possync.v1."
)

// KDFParams configures argon2id passphrase stretching.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultKDFParams returns the argon2id parameters used for persisted documents.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    1,
		Memory:  64 * 1024,
		Threads: 4,
	}
}

// Gate holds the operator passphrase transiently and seals or opens document
// payloads with it. The passphrase is never written anywhere by the gate.
type Gate struct {
	mu         sync.Mutex
	passphrase []byte
	params     KDFParams

	// derived key cache for the salt of the file currently on disk
	salt []byte
	key  []byte
}

// NewGate constructs a gate without a key (plaintext mode).
func NewGate(params KDFParams) *Gate {
	if params.Time == 0 {
		params = DefaultKDFParams()
	}
	return &Gate{params: params}
}

// SetKey configures the passphrase. An empty passphrase clears it.
func (g *Gate) SetKey(passphrase string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setKeyLocked(passphrase)
}

// ClearKey discards the passphrase and any derived key material.
func (g *Gate) ClearKey() {
	g.SetKey("")
}

// HasKey reports whether a passphrase is configured.
func (g *Gate) HasKey() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.passphrase) > 0
}

// Matches reports whether passphrase equals the configured one.
func (g *Gate) Matches(passphrase string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.passphrase) == 0 {
		return passphrase == ""
	}
	return subtle.ConstantTimeCompare(g.passphrase, []byte(passphrase)) == 1
}

// Seal encrypts plaintext into a text envelope that can never be parsed as JSON.
func (g *Gate) Seal(plaintext []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.passphrase) == 0 {
		return nil, ErrNoKey
	}
	if g.key == nil {
		salt := make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		g.salt = salt
		g.key = g.derive(salt)
	}

	sealed, err := Encrypt(plaintext, g.key)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 0, len(g.salt)+len(sealed))
	raw = append(raw, g.salt...)
	raw = append(raw, sealed...)

	out := make([]byte, 0, len(envelopePrefix)+base64.StdEncoding.EncodedLen(len(raw)))
	out = append(out, envelopePrefix...)
	return base64.StdEncoding.AppendEncode(out, raw), nil
}

// Open decrypts an envelope produced by Seal.
func (g *Gate) Open(envelope []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.passphrase) == 0 {
		return nil, ErrNoKey
	}
	trimmed := bytes.TrimSpace(envelope)
	if !bytes.HasPrefix(trimmed, []byte(envelopePrefix)) {
		return nil, ErrMalformedCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(string(trimmed[len(envelopePrefix):]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < SaltSize+NonceSize {
		return nil, ErrMalformedCiphertext
	}

	salt := raw[:SaltSize]
	key := g.key
	if key == nil || !bytes.Equal(salt, g.salt) {
		key = g.derive(salt)
	}

	plaintext, err := Decrypt(raw[SaltSize:], key)
	if err != nil {
		return nil, err
	}
	g.salt = append([]byte(nil), salt...)
	g.key = key
	return plaintext, nil
}

// IsEnvelope reports whether data looks like a sealed envelope.
func IsEnvelope(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte(envelopePrefix))
}

func (g *Gate) setKeyLocked(passphrase string) {
	for i := range g.passphrase {
		g.passphrase[i] = 0
	}
	g.passphrase = nil
	g.salt = nil
	g.key = nil
	if passphrase != "" {
		g.passphrase = []byte(passphrase)
	}
}

func (g *Gate) derive(salt []byte) []byte {
	return argon2.IDKey(g.passphrase, salt, g.params.Time, g.params.Memory, g.params.Threads, KeySize)
}

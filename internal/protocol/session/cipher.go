// Package session encrypts and decrypts post-handshake traffic under the
// KEM-derived session key.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"iot_auth/internal/cryptographic/encryption"
	"iot_auth/internal/model"
)

var (
	// ErrAuthenticationFailed is returned when an envelope's tag does not verify.
	ErrAuthenticationFailed = errors.New("session: authentication failed")
	ErrNoKey                = errors.New("session: no session key")
)

// Cipher seals messages into SessionEnvelopes. It holds no key and no
// per-message state; the random source is the only dependency.
type Cipher struct {
	rand io.Reader
}

// NewCipher returns a Cipher drawing IVs from r, or from crypto/rand when r is nil.
func NewCipher(r io.Reader) *Cipher {
	if r == nil {
		r = rand.Reader
	}
	return &Cipher{rand: r}
}

func (c *Cipher) Encrypt(plaintext []byte, key *model.SharedSecret) (*model.SessionEnvelope, error) {
	if key == nil || key.IsZero() {
		return nil, ErrNoKey
	}

	env := &model.SessionEnvelope{}
	if _, err := io.ReadFull(c.rand, env.IV[:]); err != nil {
		return nil, fmt.Errorf("session: read iv: %w", err)
	}

	ct, tag, err := encryption.Seal(key[:], env.IV[:], plaintext)
	if err != nil {
		return nil, fmt.Errorf("session: seal: %w", err)
	}
	env.Ciphertext = ct
	copy(env.Tag[:], tag)
	return env, nil
}

func (c *Cipher) Decrypt(env *model.SessionEnvelope, key *model.SharedSecret) ([]byte, error) {
	if key == nil || key.IsZero() {
		return nil, ErrNoKey
	}
	if env == nil {
		return nil, ErrAuthenticationFailed
	}

	plain, err := encryption.Open(key[:], env.IV[:], env.Ciphertext, env.Tag[:])
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plain, nil
}

package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	KeySize = 32
	IVSize  = 12
	TagSize = 16
)

var (
	ErrKeySize = errors.New("encryption: key must be 32 bytes")
	ErrIVSize  = errors.New("encryption: iv must be 12 bytes")
	ErrTagSize = errors.New("encryption: tag must be 16 bytes")
	ErrOpen    = errors.New("encryption: message authentication failed")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}

// Seal encrypts plaintext with AES-256-GCM and no associated data.
// The tag is returned separately from the ciphertext.
func Seal(key, iv, plaintext []byte) (ciphertext, tag []byte, err error) {
	if len(iv) != IVSize {
		return nil, nil, ErrIVSize
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - TagSize
	return sealed[:split], sealed[split:], nil
}

// Open verifies tag over iv and ciphertext and returns the plaintext.
// Nothing is returned on failure.
func Open(key, iv, ciphertext, tag []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, ErrIVSize
	}
	if len(tag) != TagSize {
		return nil, ErrTagSize
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}

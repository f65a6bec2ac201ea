package model

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	SharedSecretSize = 32
	IVSize           = 12
	TagSize          = 16
)

// ErrProtocol marks inbound payloads that are malformed or missing fields.
var ErrProtocol = errors.New("protocol error")

type (
	// SharedSecret is the symmetric session key produced by KEM encapsulation.
	// It has no JSON or string form on purpose.
	SharedSecret [SharedSecretSize]byte

	EncapsulationResult struct {
		Ciphertext   []byte
		SharedSecret SharedSecret
	}

	// SessionEnvelope is one encrypted message.
	SessionEnvelope struct {
		IV         [IVSize]byte
		Tag        [TagSize]byte
		Ciphertext []byte
	}

	// WireEnvelope is the hex JSON form of a SessionEnvelope.
	WireEnvelope struct {
		IV   string `json:"iv"`
		Tag  string `json:"tag"`
		Data string `json:"data"`
	}
)

// Erase zeroes the secret in place.
func (s *SharedSecret) Erase() {
	if s == nil {
		return
	}
	for i := range s {
		s[i] = 0
	}
}

func (s *SharedSecret) IsZero() bool {
	var acc byte
	for _, b := range s {
		acc |= b
	}
	return acc == 0
}

func (s SharedSecret) String() string {
	return "SharedSecret(redacted)"
}

func (e *EncapsulationResult) Erase() {
	if e == nil {
		return
	}
	e.SharedSecret.Erase()
}

func (e *SessionEnvelope) Wire() WireEnvelope {
	return WireEnvelope{
		IV:   hex.EncodeToString(e.IV[:]),
		Tag:  hex.EncodeToString(e.Tag[:]),
		Data: hex.EncodeToString(e.Ciphertext),
	}
}

// Envelope decodes the hex fields, rejecting odd lengths, bad digits and
// wrong iv/tag sizes.
func (w WireEnvelope) Envelope() (*SessionEnvelope, error) {
	var env SessionEnvelope

	if err := DecodeHexFixed(w.IV, env.IV[:]); err != nil {
		return nil, fmt.Errorf("iv: %w", err)
	}
	if err := DecodeHexFixed(w.Tag, env.Tag[:]); err != nil {
		return nil, fmt.Errorf("tag: %w", err)
	}

	data, err := DecodeHex(w.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	env.Ciphertext = data
	return &env, nil
}

func DecodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd hex length %d", ErrProtocol, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return b, nil
}

func DecodeHexFixed(s string, dst []byte) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("%w: want %d hex chars, got %d", ErrProtocol, 2*len(dst), len(s))
	}
	b, err := DecodeHex(s)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

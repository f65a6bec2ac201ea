package kem

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"iot_auth/internal/model"
)

// ML-KEM-768 sizes.
const (
	PublicKeySize  = mlkem768.PublicKeySize
	PrivateKeySize = mlkem768.PrivateKeySize
	CiphertextSize = mlkem768.CiphertextSize
)

var (
	ErrInvalidPublicKeyLength = errors.New("kem: invalid public key length")
	ErrInvalidPublicKey       = errors.New("kem: invalid public key")
	ErrInvalidCiphertext      = errors.New("kem: invalid ciphertext length")
	ErrInvalidPrivateKey      = errors.New("kem: invalid private key")
)

// Encapsulator is the device side of the KEM.
type Encapsulator interface {
	Encapsulate(publicKey []byte) (*model.EncapsulationResult, error)
}

type MLKEM768 struct{}

var scheme = mlkem768.Scheme()

// Encapsulate derives a fresh shared secret for publicKey. A key of the
// wrong size is rejected before any KEM work is done.
func (MLKEM768) Encapsulate(publicKey []byte) (*model.EncapsulationResult, error) {
	if len(publicKey) != PublicKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidPublicKeyLength, len(publicKey), PublicKeySize)
	}

	pk, err := scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	ct, ss, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, fmt.Errorf("kem: encapsulate: %w", err)
	}
	defer zero(ss)

	res := &model.EncapsulationResult{Ciphertext: ct}
	copy(res.SharedSecret[:], ss)
	return res, nil
}

// GenerateKeyPair returns a packed ML-KEM-768 key pair.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}

	publicKey, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	privateKey, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return publicKey, privateKey, nil
}

// Decapsulate recovers the shared secret from a ciphertext.
func Decapsulate(privateKey, ciphertext []byte) (model.SharedSecret, error) {
	var out model.SharedSecret

	if len(ciphertext) != CiphertextSize {
		return out, ErrInvalidCiphertext
	}
	if len(privateKey) != PrivateKeySize {
		return out, ErrInvalidPrivateKey
	}

	sk, err := scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	ss, err := scheme.Decapsulate(sk, ciphertext)
	if err != nil {
		return out, fmt.Errorf("kem: decapsulate: %w", err)
	}
	defer zero(ss)

	copy(out[:], ss)
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

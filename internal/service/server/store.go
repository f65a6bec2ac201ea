package server

import (
	"context"
	"errors"
	"time"

	"iot_auth/internal/model"
)

var ErrChallengeNotFound = errors.New("challenge not found or expired")

// PendingChallenge is what the server must remember between issuing a
// challenge and receiving the response.
type PendingChallenge struct {
	DeviceID   string
	Nonce      string
	PrivateKey []byte
}

func (p *PendingChallenge) erase() {
	for i := range p.PrivateKey {
		p.PrivateKey[i] = 0
	}
}

type DeviceRegistry interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*model.Device, error)
}

type ChallengeStore interface {
	PutChallenge(ctx context.Context, connID string, p *PendingChallenge, ttl time.Duration) error
	// TakeChallenge returns and removes the pending challenge; it can be
	// redeemed once.
	TakeChallenge(ctx context.Context, connID string) (*PendingChallenge, error)
	// DropChallenge discards an unredeemed challenge. Missing is not an error.
	DropChallenge(ctx context.Context, connID string) error
}

type StatusStore interface {
	SetOnline(ctx context.Context, deviceID, connID string, at time.Time) error
	Touch(ctx context.Context, deviceID string, at time.Time) error
	SetOffline(ctx context.Context, deviceID string, at time.Time) error
	List(ctx context.Context) ([]model.DeviceStatus, error)
}

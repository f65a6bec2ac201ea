// Package identity holds the device's stable identifier and its long-term
// pre-shared secret, and signs handshake nonces with them.
package identity

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"iot_auth/internal/cryptographic/mac"
	"iot_auth/internal/model"
)

var (
	ErrNoDeviceID = errors.New("identity: no device id")
	ErrNoSecret   = errors.New("identity: no pre-shared secret")
)

// Store is read-only for the handshake.
type Store interface {
	DeviceID() string
	// Sign returns MAC(preSharedSecret, nonce || deviceId).
	Sign(nonce string) []byte
}

type Static struct {
	id model.DeviceIdentity
}

func New(deviceID string, preSharedSecret []byte) (*Static, error) {
	if deviceID == "" {
		return nil, ErrNoDeviceID
	}
	if len(preSharedSecret) == 0 {
		return nil, ErrNoSecret
	}

	psk := make([]byte, len(preSharedSecret))
	copy(psk, preSharedSecret)
	return &Static{id: model.DeviceIdentity{DeviceID: deviceID, PreSharedSecret: psk}}, nil
}

func (s *Static) DeviceID() string {
	return s.id.DeviceID
}

func (s *Static) Sign(nonce string) []byte {
	return mac.Sum(s.id.PreSharedSecret, []byte(nonce+s.id.DeviceID))
}

// Options selects where the identity comes from. An empty DeviceID means the
// hardware address of the first usable interface.
type Options struct {
	DeviceID   string
	Secret     string
	SecretFile string
}

func Load(opts Options) (*Static, error) {
	deviceID := opts.DeviceID
	if deviceID == "" {
		var err error
		deviceID, err = HardwareDeviceID()
		if err != nil {
			return nil, err
		}
	}

	secret := opts.Secret
	if secret == "" && opts.SecretFile != "" {
		b, err := os.ReadFile(opts.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("identity: read secret file: %w", err)
		}
		secret = strings.TrimSpace(string(b))
	}

	return New(deviceID, []byte(secret))
}

// HardwareDeviceID returns the MAC of the first up, non-loopback interface as
// upper-case hex without separators.
func HardwareDeviceID() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("identity: list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return FormatDeviceID(iface.HardwareAddr), nil
	}
	return "", ErrNoDeviceID
}

func FormatDeviceID(hw net.HardwareAddr) string {
	return strings.ToUpper(strings.ReplaceAll(hw.String(), ":", ""))
}

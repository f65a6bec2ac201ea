package model

// Event names exchanged between device and backend.
const (
	EventAuthInit      = "auth:init"
	EventAuthChallenge = "auth:challenge"
	EventAuthResponse  = "auth:response"
	EventAuthSuccess   = "auth:success"
	EventAuthFailed    = "auth:failed"
	EventPulse         = "pulse"
	EventMessage       = "message"
)

type (
	AuthInit struct {
		DeviceID string `json:"deviceId"`
	}

	AuthChallenge struct {
		Nonce string `json:"nonce"`
		PK    string `json:"pk"`
	}

	AuthResponse struct {
		Signature  string `json:"signature"`
		Ciphertext string `json:"ciphertext"`
	}

	// AuthVerdict is the payload of auth:success and auth:failed. The device
	// ignores its contents.
	AuthVerdict struct {
		Reason string `json:"reason,omitempty"`
	}

	// PulseStatus is the plaintext carried inside an encrypted pulse.
	PulseStatus struct {
		Status string `json:"status"`
		TS     int64  `json:"ts"`
	}
)

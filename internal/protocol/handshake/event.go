package handshake

import (
	"encoding/json"
	"fmt"

	"iot_auth/internal/model"
)

// Event is one of the inbound variants the machine understands. The set is
// closed: only types in this file implement it.
type Event interface {
	event()
}

type (
	AuthChallenge struct {
		Challenge model.Challenge
	}

	AuthSuccess struct{}

	AuthFailed struct {
		Reason string
	}

	Message struct {
		Envelope *model.SessionEnvelope
	}

	// Timeout is raised by the watchdog when the peer stops answering.
	Timeout struct{}
)

func (AuthChallenge) event() {}
func (AuthSuccess) event()   {}
func (AuthFailed) event()    {}
func (Message) event()       {}
func (Timeout) event()       {}

// ParseEvent decodes a named inbound event. Unknown names return (nil, nil).
// Malformed payloads return an error wrapping model.ErrProtocol, except a
// well-formed public key of the wrong size, which is passed through so the
// machine can fail the handshake.
func ParseEvent(name string, payload []byte) (Event, error) {
	switch name {
	case model.EventAuthChallenge:
		var p model.AuthChallenge
		if err := unmarshal(payload, &p); err != nil {
			return nil, err
		}
		if p.Nonce == "" || p.PK == "" {
			return nil, fmt.Errorf("%w: challenge missing nonce or pk", model.ErrProtocol)
		}
		pk, err := model.DecodeHex(p.PK)
		if err != nil {
			return nil, err
		}
		return AuthChallenge{Challenge: model.Challenge{Nonce: p.Nonce, ServerPublicKey: pk}}, nil

	case model.EventAuthSuccess:
		return AuthSuccess{}, nil

	case model.EventAuthFailed:
		var p model.AuthVerdict
		// The reason is informational; a garbled payload is still a failure.
		_ = json.Unmarshal(payload, &p)
		return AuthFailed{Reason: p.Reason}, nil

	case model.EventMessage:
		var w model.WireEnvelope
		if err := unmarshal(payload, &w); err != nil {
			return nil, err
		}
		env, err := w.Envelope()
		if err != nil {
			return nil, err
		}
		return Message{Envelope: env}, nil
	}
	return nil, nil
}

func unmarshal(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", model.ErrProtocol)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrProtocol, err)
	}
	return nil
}

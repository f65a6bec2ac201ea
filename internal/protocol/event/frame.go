// Package event encodes named events as text frames of the form
// 42["name",{...}], the Socket.IO event packet the device firmware speaks.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	eventPrefix = "42"
	PingFrame   = "2"
	PongFrame   = "3"

	// MaxFrameSize bounds a single inbound frame. The largest handshake
	// frame is auth:response with a hex-encoded 1088-byte ciphertext.
	MaxFrameSize = 16 << 10
)

var (
	ErrNotEvent  = errors.New("event: not an event frame")
	ErrMalformed = errors.New("event: malformed event frame")
)

type Frame struct {
	Name    string
	Payload json.RawMessage
}

func Encode(name string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	body, err := json.Marshal([]any{name, payload})
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", name, err)
	}
	return append([]byte(eventPrefix), body...), nil
}

func Decode(data []byte) (*Frame, error) {
	if !bytes.HasPrefix(data, []byte(eventPrefix)) {
		return nil, ErrNotEvent
	}

	// Namespaced packets carry "/ns," between the prefix and the array.
	body := data[len(eventPrefix):]
	if i := bytes.IndexByte(body, '['); i >= 0 {
		body = body[i:]
	} else {
		return nil, ErrMalformed
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) == 0 {
		return nil, ErrMalformed
	}

	f := &Frame{Payload: json.RawMessage(`{}`)}
	if err := json.Unmarshal(parts[0], &f.Name); err != nil || f.Name == "" {
		return nil, fmt.Errorf("%w: event name", ErrMalformed)
	}
	if len(parts) > 1 && !bytes.Equal(bytes.TrimSpace(parts[1]), []byte("null")) {
		f.Payload = parts[1]
	}
	return f, nil
}

func IsPing(data []byte) bool {
	return string(data) == PingFrame
}

// Package device runs the device side: it connects to the backend, drives
// the handshake, sends encrypted heartbeats and reconnects on failure.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"iot_auth/internal/config"
	"iot_auth/internal/identity"
	"iot_auth/internal/model"
	"iot_auth/internal/protocol/event"
	"iot_auth/internal/protocol/handshake"
	"iot_auth/internal/utils/log"
)

var errAuthFailed = errors.New("authentication failed")

// Conn is the part of *websocket.Conn the agent needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(event.MaxFrameSize)
	return conn, nil
}

type Agent struct {
	cfg     *config.DeviceConfig
	dial    DialFunc
	backoff *Backoff
	machine *handshake.Machine
	started time.Time

	// OnMessage receives decrypted inbound messages.
	OnMessage func(plaintext []byte)

	conn     Conn
	watchdog *time.Timer
}

func NewAgent(cfg *config.DeviceConfig, id identity.Store, dial DialFunc) *Agent {
	if dial == nil {
		dial = DialWebSocket
	}

	a := &Agent{
		cfg:     cfg,
		dial:    dial,
		backoff: NewBackoff(cfg.Reconnect),
		started: time.Now(),
	}
	a.machine = handshake.NewMachine(handshake.Config{
		Identity:      id,
		Emitter:       a,
		OnMessage:     a.deliver,
		OnStateChange: a.onStateChange,
	})
	return a
}

func (a *Agent) IsAuthenticated() bool {
	return a.machine.IsAuthenticated()
}

// Run connects and reconnects until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		conn, err := a.dial(ctx, a.cfg.ServerURL)
		if err != nil {
			log.Warn("dial failed", zap.String("url", a.cfg.ServerURL), zap.Error(err))
		} else {
			log.Info("connected", zap.String("url", a.cfg.ServerURL))
			a.backoff.Reset()
			err = a.serve(ctx, conn)
			log.Info("connection closed", zap.Error(err))
		}

		if ctx.Err() != nil {
			return nil
		}

		delay := a.backoff.Next()
		log.Debug("reconnecting", zap.Duration("in", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

type inbound struct {
	data []byte
	err  error
}

// serve owns conn until it fails. Every machine call happens on this goroutine.
func (a *Agent) serve(ctx context.Context, conn Conn) error {
	a.conn = conn
	defer func() {
		a.machine.OnDisconnect()
		a.stopWatchdog()
		conn.Close()
		a.conn = nil
	}()

	done := make(chan struct{})
	defer close(done)

	frames := make(chan inbound, 16)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			select {
			case frames <- inbound{data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	if err := a.machine.OnConnect(); err != nil {
		return err
	}

	heartbeat := time.NewTicker(a.cfg.Timing.Heartbeat)
	defer heartbeat.Stop()

	for {
		var timeout <-chan time.Time
		if a.watchdog != nil {
			timeout = a.watchdog.C
		}

		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()

		case in := <-frames:
			if in.err != nil {
				return in.err
			}
			if err := a.handleFrame(in.data); err != nil {
				return err
			}

		case <-timeout:
			a.watchdog = nil
			_ = a.machine.Handle(handshake.Timeout{})

		case <-heartbeat.C:
			if err := a.pulse(); err != nil {
				return err
			}
		}

		if a.machine.State() == handshake.StateFailed {
			return fmt.Errorf("%w: %v", errAuthFailed, a.machine.Err())
		}
	}
}

func (a *Agent) handleFrame(data []byte) error {
	if event.IsPing(data) {
		return a.write([]byte(event.PongFrame))
	}

	f, err := event.Decode(data)
	if err != nil {
		log.Debug("dropping frame", zap.Error(err))
		return nil
	}

	// Dropped messages and rejected challenges are reported by the machine
	// through its state; only transport errors end the connection here.
	_ = a.machine.OnEvent(f.Name, f.Payload)
	return nil
}

func (a *Agent) pulse() error {
	if !a.machine.IsAuthenticated() || !a.machine.HasSecret() {
		return nil
	}

	status, err := json.Marshal(model.PulseStatus{
		Status: "online",
		TS:     time.Since(a.started).Milliseconds(),
	})
	if err != nil {
		return err
	}

	if err := a.machine.EmitEncrypted(model.EventPulse, status); err != nil {
		if errors.Is(err, handshake.ErrNotAuthenticated) {
			return nil
		}
		return fmt.Errorf("pulse: %w", err)
	}
	return nil
}

// Emit implements handshake.Emitter on the current connection.
func (a *Agent) Emit(name string, payload any) error {
	frame, err := event.Encode(name, payload)
	if err != nil {
		return err
	}
	return a.write(frame)
}

func (a *Agent) write(frame []byte) error {
	if a.conn == nil {
		return websocket.ErrCloseSent
	}
	if a.cfg.Timing.WriteTimeout > 0 {
		_ = a.conn.SetWriteDeadline(time.Now().Add(a.cfg.Timing.WriteTimeout))
	}
	return a.conn.WriteMessage(websocket.TextMessage, frame)
}

func (a *Agent) deliver(plaintext []byte) {
	log.Info("message received", zap.Int("len", len(plaintext)))
	if a.OnMessage != nil {
		a.OnMessage(plaintext)
	}
}

func (a *Agent) onStateChange(from, to handshake.State) {
	log.Info("handshake", zap.Stringer("from", from), zap.Stringer("to", to))

	a.stopWatchdog()
	if to.Pending() && a.cfg.Timing.HandshakeTimeout > 0 {
		a.watchdog = time.NewTimer(a.cfg.Timing.HandshakeTimeout)
	}
}

func (a *Agent) stopWatchdog() {
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}
}

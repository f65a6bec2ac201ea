// Package handshake drives the device side of the challenge/response
// exchange that turns a fresh connection into an authenticated, encrypted
// session.
package handshake

import (
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"iot_auth/internal/cryptographic/kem"
	"iot_auth/internal/identity"
	"iot_auth/internal/model"
	"iot_auth/internal/protocol/session"
	"iot_auth/internal/utils/log"
)

var (
	ErrInvalidPublicKeyLength = kem.ErrInvalidPublicKeyLength
	ErrVerdictFailed          = errors.New("handshake: authentication rejected by peer")
	ErrDisconnected           = errors.New("handshake: transport disconnected")
	ErrHandshakeTimeout       = errors.New("handshake: timed out waiting for peer")
	ErrNotAuthenticated       = errors.New("handshake: not authenticated")
)

// Emitter sends a named event to the peer.
type Emitter interface {
	Emit(name string, payload any) error
}

type Config struct {
	Identity identity.Store
	KEM      kem.Encapsulator
	Cipher   *session.Cipher
	Emitter  Emitter

	// OnMessage receives decrypted inbound messages.
	OnMessage func(plaintext []byte)
	// OnStateChange is called after every transition.
	OnStateChange func(from, to State)
}

// Session is the state owned by exactly one connection. It is created on
// connect and discarded, with its secret erased, when the connection ends.
type Session struct {
	state  State
	secret *model.SharedSecret
}

func (s *Session) erase() {
	if s.secret != nil {
		s.secret.Erase()
		s.secret = nil
	}
}

// Machine is not safe for concurrent use; the caller feeds it one event at a
// time from a single goroutine.
type Machine struct {
	cfg     Config
	sess    *Session
	lastErr error
}

func NewMachine(cfg Config) *Machine {
	if cfg.KEM == nil {
		cfg.KEM = kem.MLKEM768{}
	}
	if cfg.Cipher == nil {
		cfg.Cipher = session.NewCipher(nil)
	}
	return &Machine{cfg: cfg}
}

func (m *Machine) State() State {
	if m.sess == nil {
		return StateUnauthenticated
	}
	return m.sess.state
}

func (m *Machine) IsAuthenticated() bool {
	return m.State() == StateAuthenticated
}

func (m *Machine) HasSecret() bool {
	return m.sess != nil && m.sess.secret != nil
}

// Err returns the error that last moved the machine to Failed or Unauthenticated.
func (m *Machine) Err() error {
	return m.lastErr
}

// OnConnect starts a fresh handshake, discarding anything left from a
// previous connection.
func (m *Machine) OnConnect() error {
	m.reset(nil)
	m.sess = &Session{state: StateUnauthenticated}
	m.lastErr = nil

	err := m.cfg.Emitter.Emit(model.EventAuthInit, model.AuthInit{DeviceID: m.cfg.Identity.DeviceID()})
	if err != nil {
		m.fail(fmt.Errorf("emit %s: %w", model.EventAuthInit, err))
		return err
	}

	m.transition(StateAwaitingChallenge)
	return nil
}

// OnDisconnect erases the session and returns to Unauthenticated.
func (m *Machine) OnDisconnect() {
	m.reset(ErrDisconnected)
}

// OnEvent decodes and handles one inbound event. Malformed payloads are
// dropped and reported through the returned error without a state change.
func (m *Machine) OnEvent(name string, payload []byte) error {
	ev, err := ParseEvent(name, payload)
	if err != nil {
		log.Debug("dropping malformed event", zap.String("event", name), zap.Error(err))
		return err
	}
	if ev == nil {
		log.Debug("ignoring unknown event", zap.String("event", name))
		return nil
	}
	return m.Handle(ev)
}

func (m *Machine) Handle(ev Event) error {
	if m.sess == nil {
		return nil
	}

	switch e := ev.(type) {
	case AuthChallenge:
		return m.handleChallenge(e.Challenge)
	case AuthSuccess:
		return m.handleSuccess()
	case AuthFailed:
		return m.handleFailed(e.Reason)
	case Message:
		return m.handleMessage(e.Envelope)
	case Timeout:
		return m.handleTimeout()
	}
	return nil
}

func (m *Machine) handleChallenge(ch model.Challenge) error {
	if m.sess.state != StateAwaitingChallenge {
		log.Debug("unexpected challenge", zap.Stringer("state", m.sess.state))
		return nil
	}

	res, err := m.cfg.KEM.Encapsulate(ch.ServerPublicKey)
	if err != nil {
		// Fail closed: nothing is sent without a complete ciphertext.
		log.Warn("rejecting challenge", zap.Int("pk_len", len(ch.ServerPublicKey)), zap.Error(err))
		m.fail(err)
		return err
	}

	secret := res.SharedSecret
	res.Erase()
	m.sess.secret = &secret

	sig := m.cfg.Identity.Sign(ch.Nonce)
	err = m.cfg.Emitter.Emit(model.EventAuthResponse, model.AuthResponse{
		Signature:  hex.EncodeToString(sig),
		Ciphertext: hex.EncodeToString(res.Ciphertext),
	})
	if err != nil {
		m.fail(fmt.Errorf("emit %s: %w", model.EventAuthResponse, err))
		return err
	}

	m.transition(StateAwaitingVerdict)
	return nil
}

func (m *Machine) handleSuccess() error {
	if m.sess.state != StateAwaitingVerdict || m.sess.secret == nil {
		log.Debug("unexpected auth success", zap.Stringer("state", m.sess.state))
		return nil
	}
	m.transition(StateAuthenticated)
	return nil
}

func (m *Machine) handleFailed(reason string) error {
	if m.sess.state == StateFailed {
		return nil
	}
	log.Warn("authentication rejected", zap.String("reason", reason))
	m.fail(ErrVerdictFailed)
	return ErrVerdictFailed
}

func (m *Machine) handleMessage(env *model.SessionEnvelope) error {
	if m.sess.state != StateAuthenticated || m.sess.secret == nil {
		return ErrNotAuthenticated
	}

	plain, err := m.cfg.Cipher.Decrypt(env, m.sess.secret)
	if err != nil {
		log.Warn("dropping inbound message", zap.Error(err))
		return err
	}

	if m.cfg.OnMessage != nil {
		m.cfg.OnMessage(plain)
	}
	return nil
}

func (m *Machine) handleTimeout() error {
	if !m.sess.state.Pending() {
		return nil
	}
	log.Warn("handshake timed out", zap.Stringer("state", m.sess.state))
	m.fail(ErrHandshakeTimeout)
	return ErrHandshakeTimeout
}

// Encrypt seals plaintext under the session key. It refuses unless the
// session is authenticated.
func (m *Machine) Encrypt(plaintext []byte) (*model.SessionEnvelope, error) {
	if !m.IsAuthenticated() || m.sess.secret == nil {
		return nil, ErrNotAuthenticated
	}
	return m.cfg.Cipher.Encrypt(plaintext, m.sess.secret)
}

// EmitEncrypted encrypts plaintext and sends it as the named event.
func (m *Machine) EmitEncrypted(name string, plaintext []byte) error {
	env, err := m.Encrypt(plaintext)
	if err != nil {
		return err
	}
	return m.cfg.Emitter.Emit(name, env.Wire())
}

func (m *Machine) fail(err error) {
	m.sess.erase()
	m.lastErr = err
	m.transition(StateFailed)
}

func (m *Machine) reset(err error) {
	if m.sess == nil {
		return
	}
	from := m.sess.state
	m.sess.erase()
	m.sess = nil
	if err != nil {
		m.lastErr = err
	}
	m.notify(from, StateUnauthenticated)
}

func (m *Machine) transition(to State) {
	from := m.sess.state
	m.sess.state = to
	m.notify(from, to)
}

func (m *Machine) notify(from, to State) {
	log.Debug("handshake state", zap.Stringer("from", from), zap.Stringer("to", to))
	if m.cfg.OnStateChange != nil && from != to {
		m.cfg.OnStateChange(from, to)
	}
}

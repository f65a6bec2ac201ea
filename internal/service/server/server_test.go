package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot_auth/internal/config"
	"iot_auth/internal/cryptographic/kem"
	"iot_auth/internal/cryptographic/mac"
	"iot_auth/internal/identity"
	"iot_auth/internal/model"
	"iot_auth/internal/protocol/event"
	"iot_auth/internal/protocol/session"
	"iot_auth/internal/service/device"
)

const testDeviceID = "AA11BB22CC33"

type memRegistry map[string]*model.Device

func (m memRegistry) GetByDeviceID(_ context.Context, id string) (*model.Device, error) {
	return m[id], nil
}

type memStore struct {
	mu         sync.Mutex
	challenges map[string]PendingChallenge
	status     map[string]model.DeviceStatus
	touches    int

	// touching and touchGate, when set, make Touch signal entry and then
	// block until the gate is closed.
	touching  chan struct{}
	touchGate chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		challenges: make(map[string]PendingChallenge),
		status:     make(map[string]model.DeviceStatus),
	}
}

func (m *memStore) PutChallenge(_ context.Context, connID string, p *PendingChallenge, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.PrivateKey = append([]byte(nil), p.PrivateKey...)
	m.challenges[connID] = cp
	return nil
}

func (m *memStore) TakeChallenge(_ context.Context, connID string) (*PendingChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.challenges[connID]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	delete(m.challenges, connID)
	return &p, nil
}

func (m *memStore) DropChallenge(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.challenges, connID)
	return nil
}

func (m *memStore) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.challenges)
}

func (m *memStore) SetOnline(_ context.Context, id, connID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[id] = model.DeviceStatus{DeviceID: id, Online: true, LastSeen: at, ConnID: connID}
	return nil
}

func (m *memStore) Touch(_ context.Context, id string, at time.Time) error {
	if m.touchGate != nil {
		m.touching <- struct{}{}
		<-m.touchGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status[id]
	st.LastSeen = at
	m.status[id] = st
	m.touches++
	return nil
}

func (m *memStore) SetOffline(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status[id]
	st.Online = false
	st.LastSeen = at
	st.ConnID = ""
	m.status[id] = st
	return nil
}

func (m *memStore) List(context.Context) ([]model.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeviceStatus
	for _, st := range m.status {
		out = append(out, st)
	}
	return out, nil
}

func (m *memStore) snapshot(id string) (model.DeviceStatus, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[id], m.touches
}

type fixture struct {
	srv   *httptest.Server
	store *memStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, newMemStore())
}

func newFixtureWithStore(t *testing.T, store *memStore) *fixture {
	t.Helper()
	registry := memRegistry{testDeviceID: {DeviceID: testDeviceID, SharedSecret: "psk"}}
	s := NewHttpServer(registry, store, store, 30*time.Second)

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/socket"
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, name string, payload any) {
	t.Helper()
	frame, err := event.Encode(name, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func recv(t *testing.T, conn *websocket.Conn) *event.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := event.Decode(data)
	require.NoError(t, err)
	return f
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "connection was not closed")
	}
}

func challenge(t *testing.T, conn *websocket.Conn) model.AuthChallenge {
	t.Helper()
	send(t, conn, model.EventAuthInit, model.AuthInit{DeviceID: testDeviceID})
	f := recv(t, conn)
	require.Equal(t, model.EventAuthChallenge, f.Name)

	var ch model.AuthChallenge
	require.NoError(t, json.Unmarshal(f.Payload, &ch))
	require.Len(t, ch.Nonce, 2*nonceSize)
	require.Len(t, ch.PK, 2*kem.PublicKeySize)
	return ch
}

func respond(t *testing.T, conn *websocket.Conn, ch model.AuthChallenge, psk string) model.SharedSecret {
	t.Helper()
	pk, err := hex.DecodeString(ch.PK)
	require.NoError(t, err)
	res, err := kem.MLKEM768{}.Encapsulate(pk)
	require.NoError(t, err)

	sig := mac.Sum([]byte(psk), []byte(ch.Nonce+testDeviceID))
	send(t, conn, model.EventAuthResponse, model.AuthResponse{
		Signature:  hex.EncodeToString(sig),
		Ciphertext: hex.EncodeToString(res.Ciphertext),
	})
	return res.SharedSecret
}

func TestDeviceEndToEnd(t *testing.T) {
	f := newFixture(t)

	cfg := config.DefaultDevice()
	cfg.ServerURL = f.wsURL()
	cfg.Timing.Heartbeat = 20 * time.Millisecond
	cfg.Reconnect.Initial = 10 * time.Millisecond

	id, err := identity.New(testDeviceID, []byte("psk"))
	require.NoError(t, err)
	agent := device.NewAgent(cfg, id, nil)
	got := make(chan []byte, 1)
	agent.OnMessage = func(p []byte) { got <- p }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		st, touches := f.store.snapshot(testDeviceID)
		return st.Online && touches > 0
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(f.srv.URL + "/devices")
	require.NoError(t, err)
	var statuses []model.DeviceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	resp.Body.Close()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Online)

	resp, err = http.Post(f.srv.URL+"/devices/"+testDeviceID+"/message", "application/json",
		bytes.NewBufferString(`{"message":"relay:on"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case p := <-got:
		assert.Equal(t, "relay:on", string(p))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	<-done
	require.Eventually(t, func() bool {
		st, _ := f.store.snapshot(testDeviceID)
		return !st.Online
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAuthenticateRawClient(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	ch := challenge(t, conn)
	respond(t, conn, ch, "psk")
	assert.Equal(t, model.EventAuthSuccess, recv(t, conn).Name)
}

func TestRejectWrongSecret(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	ch := challenge(t, conn)
	respond(t, conn, ch, "not-the-psk")

	v := recv(t, conn)
	require.Equal(t, model.EventAuthFailed, v.Name)
	assert.JSONEq(t, `{"reason":"Invalid signature or kyber failure"}`, string(v.Payload))
	expectClosed(t, conn)

	st, _ := f.store.snapshot(testDeviceID)
	assert.False(t, st.Online)
}

func TestRejectUnknownDevice(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, model.EventAuthInit, model.AuthInit{DeviceID: "FFFFFFFFFFFF"})
	c := recv(t, conn)
	require.Equal(t, model.EventAuthChallenge, c.Name)
	send(t, conn, model.EventAuthResponse, model.AuthResponse{Signature: "00", Ciphertext: "00"})

	v := recv(t, conn)
	require.Equal(t, model.EventAuthFailed, v.Name)
	assert.Contains(t, string(v.Payload), "Unknown device")
	expectClosed(t, conn)
}

func TestRejectResponseWithoutInit(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, model.EventAuthResponse, model.AuthResponse{Signature: "00", Ciphertext: "00"})
	v := recv(t, conn)
	require.Equal(t, model.EventAuthFailed, v.Name)
	assert.Contains(t, string(v.Payload), "No auth session init")
}

func TestRejectMissingCiphertext(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	ch := challenge(t, conn)
	sig := mac.Sum([]byte("psk"), []byte(ch.Nonce+testDeviceID))
	send(t, conn, model.EventAuthResponse, model.AuthResponse{Signature: hex.EncodeToString(sig)})

	assert.Equal(t, model.EventAuthFailed, recv(t, conn).Name)
	expectClosed(t, conn)
}

func TestInitRequiresDeviceID(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, model.EventAuthInit, struct{}{})
	v := recv(t, conn)
	assert.Equal(t, model.EventAuthFailed, v.Name)
	assert.Contains(t, string(v.Payload), "missing deviceId")
}

func TestDisconnectDropsPendingChallenge(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	challenge(t, conn)
	require.Equal(t, 1, f.store.pending())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return f.store.pending() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	frame, err := event.Encode(model.EventAuthInit, model.AuthInit{DeviceID: strings.Repeat("A", 4*event.MaxFrameSize)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	expectClosed(t, conn)
	assert.Zero(t, f.store.pending())
}

func TestInitRejectsLongDeviceID(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, model.EventAuthInit, model.AuthInit{DeviceID: strings.Repeat("A", maxDeviceIDLen+1)})
	v := recv(t, conn)
	assert.Equal(t, model.EventAuthFailed, v.Name)
	assert.Contains(t, string(v.Payload), "invalid deviceId")
	assert.Zero(t, f.store.pending())
}

func TestSlowStatusStoreDoesNotBlockSend(t *testing.T) {
	store := newMemStore()
	store.touching = make(chan struct{}, 1)
	store.touchGate = make(chan struct{})
	f := newFixtureWithStore(t, store)
	t.Cleanup(func() { close(store.touchGate) })

	conn := f.dial(t)
	key := respond(t, conn, challenge(t, conn), "psk")
	require.Equal(t, model.EventAuthSuccess, recv(t, conn).Name)

	cipher := session.NewCipher(nil)
	env, err := cipher.Encrypt([]byte(`{"status":"online","ts":1}`), &key)
	require.NoError(t, err)
	send(t, conn, model.EventPulse, env.Wire())

	select {
	case <-f.store.touching:
	case <-time.After(5 * time.Second):
		t.Fatal("pulse did not reach the status store")
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(f.srv.URL+"/devices/"+testDeviceID+"/message", "application/json",
		bytes.NewBufferString(`{"message":"relay:off"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg := recv(t, conn)
	require.Equal(t, model.EventMessage, msg.Name)
	var w model.WireEnvelope
	require.NoError(t, json.Unmarshal(msg.Payload, &w))
	in, err := w.Envelope()
	require.NoError(t, err)
	plain, err := cipher.Decrypt(in, &key)
	require.NoError(t, err)
	assert.Equal(t, "relay:off", string(plain))
}

func TestPulseBeforeAuthIgnored(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, model.EventPulse, model.WireEnvelope{IV: "00", Tag: "00", Data: "00"})
	ch := challenge(t, conn)
	assert.NotEmpty(t, ch.Nonce)

	_, touches := f.store.snapshot(testDeviceID)
	assert.Zero(t, touches)
}

func TestSendMessageErrors(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/devices/"+testDeviceID+"/message", "application/json",
		bytes.NewBufferString(`{"message":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(f.srv.URL+"/devices/"+testDeviceID+"/message", "application/json",
		bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, err := json.Marshal(map[string]string{"message": strings.Repeat("x", maxMessageSize+1)})
	require.NoError(t, err)
	resp, err = http.Post(f.srv.URL+"/devices/"+testDeviceID+"/message", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

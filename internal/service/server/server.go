// Package server is the backend half of device authentication: it issues
// challenges, verifies responses, and exchanges encrypted traffic with
// authenticated devices.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"iot_auth/internal/cryptographic/kem"
	"iot_auth/internal/cryptographic/mac"
	"iot_auth/internal/model"
	"iot_auth/internal/protocol/event"
	"iot_auth/internal/protocol/session"
	"iot_auth/internal/utils/log"
)

const (
	nonceSize      = 16
	maxDeviceIDLen = 64
	writeTimeout   = 5 * time.Second

	// maxMessageSize keeps an outbound message frame, hex-encoded, under
	// the device's read limit.
	maxMessageSize = 4 << 10
)

type (
	HttpServer struct {
		mu       sync.Mutex
		byDevice map[string]*deviceConn

		devices    DeviceRegistry
		challenges ChallengeStore
		status     StatusStore
		nonceTTL   time.Duration
		cipher     *session.Cipher
		upgrader   websocket.Upgrader
	}

	// deviceConn is the server's view of one device connection.
	deviceConn struct {
		id string
		ws *websocket.Conn

		mu            sync.Mutex
		deviceID      string
		authenticated bool
		key           *model.SharedSecret
	}

	sendRequest struct {
		Message string `json:"message"`
	}
)

func NewHttpServer(devices DeviceRegistry, challenges ChallengeStore, status StatusStore, nonceTTL time.Duration) *HttpServer {
	return &HttpServer{
		byDevice:   make(map[string]*deviceConn),
		devices:    devices,
		challenges: challenges,
		status:     status,
		nonceTTL:   nonceTTL,
		cipher:     session.NewCipher(nil),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // devices do not send a browser origin
			},
		},
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/socket", s.HandleDeviceWS()).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.ListDevices()).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/message", s.SendMessage()).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *HttpServer) HandleDeviceWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}
		conn.SetReadLimit(event.MaxFrameSize)

		dc := &deviceConn{id: uuid.NewString(), ws: conn}
		log.Info("device connected", zap.String("conn", dc.id), zap.String("remote", r.RemoteAddr))
		go s.processWSMessage(dc)
	}
}

func (s *HttpServer) processWSMessage(dc *deviceConn) {
	ctx := context.Background()
	defer s.disconnect(ctx, dc)

	for {
		_, data, err := dc.ws.ReadMessage()
		if err != nil {
			log.Debug("device web socket closed", zap.String("conn", dc.id), zap.Error(err))
			return
		}

		f, err := event.Decode(data)
		if err != nil {
			log.Debug("dropping frame", zap.String("conn", dc.id), zap.Error(err))
			continue
		}

		switch f.Name {
		case model.EventAuthInit:
			s.handleInit(ctx, dc, f.Payload)
		case model.EventAuthResponse:
			if !s.handleResponse(ctx, dc, f.Payload) {
				return
			}
		case model.EventPulse:
			s.handlePulse(ctx, dc, f.Payload)
		default:
			log.Debug("ignoring event", zap.String("conn", dc.id), zap.String("event", f.Name))
		}
	}
}

func (s *HttpServer) handleInit(ctx context.Context, dc *deviceConn, payload json.RawMessage) {
	var init model.AuthInit
	if err := json.Unmarshal(payload, &init); err != nil || init.DeviceID == "" {
		s.reject(dc, "missing deviceId")
		return
	}
	if len(init.DeviceID) > maxDeviceIDLen {
		s.reject(dc, "invalid deviceId")
		return
	}
	log.Info("auth init", zap.String("conn", dc.id), zap.String("device", init.DeviceID))

	// A new init restarts the handshake on this connection.
	s.resetAuth(ctx, dc)
	dc.mu.Lock()
	dc.deviceID = init.DeviceID
	dc.mu.Unlock()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		log.Error("nonce generation failed", zap.Error(err))
		s.reject(dc, "internal error")
		return
	}

	pk, sk, err := kem.GenerateKeyPair()
	if err != nil {
		log.Error("kem keygen failed", zap.Error(err))
		s.reject(dc, "internal error")
		return
	}

	pending := &PendingChallenge{DeviceID: init.DeviceID, Nonce: hex.EncodeToString(nonce), PrivateKey: sk}
	err = s.challenges.PutChallenge(ctx, dc.id, pending, s.nonceTTL)
	pending.erase()
	if err != nil {
		log.Error("store challenge failed", zap.Error(err))
		s.reject(dc, "internal error")
		return
	}

	s.emit(dc, model.EventAuthChallenge, model.AuthChallenge{
		Nonce: pending.Nonce,
		PK:    hex.EncodeToString(pk),
	})
}

// handleResponse returns false when the connection must be closed.
func (s *HttpServer) handleResponse(ctx context.Context, dc *deviceConn, payload json.RawMessage) bool {
	dc.mu.Lock()
	deviceID := dc.deviceID
	dc.mu.Unlock()

	if deviceID == "" {
		s.reject(dc, "No auth session init")
		return false
	}

	pending, err := s.challenges.TakeChallenge(ctx, dc.id)
	if err != nil {
		log.Warn("no pending challenge", zap.String("device", deviceID), zap.Error(err))
		s.reject(dc, "challenge expired")
		return false
	}
	defer pending.erase()

	device, err := s.devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		log.Error("registry lookup failed", zap.String("device", deviceID), zap.Error(err))
		s.reject(dc, "internal error")
		return false
	}
	if device == nil {
		log.Warn("unknown device", zap.String("device", deviceID))
		s.reject(dc, "Unknown device")
		return false
	}

	key, ok := verifyResponse(device, pending, payload)
	if !ok {
		log.Warn("authentication failed", zap.String("device", deviceID))
		s.reject(dc, "Invalid signature or kyber failure")
		return false
	}

	s.mu.Lock()
	prev := s.byDevice[deviceID]
	s.byDevice[deviceID] = dc
	s.mu.Unlock()
	if prev != nil && prev != dc {
		log.Info("replacing previous connection", zap.String("device", deviceID), zap.String("conn", prev.id))
		prev.ws.Close()
	}

	dc.mu.Lock()
	dc.key = key
	dc.authenticated = true
	dc.mu.Unlock()

	if err := s.status.SetOnline(ctx, deviceID, dc.id, time.Now()); err != nil {
		log.Error("status update failed", zap.Error(err))
	}
	log.Info("device authenticated", zap.String("device", deviceID), zap.String("conn", dc.id))

	s.emit(dc, model.EventAuthSuccess, struct{}{})
	return true
}

// verifyResponse checks the device signature and recovers the session key.
// Both must succeed.
func verifyResponse(device *model.Device, pending *PendingChallenge, payload json.RawMessage) (*model.SharedSecret, bool) {
	var resp model.AuthResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, false
	}

	sig, err := model.DecodeHex(resp.Signature)
	if err != nil {
		return nil, false
	}
	validSig := mac.Verify([]byte(device.SharedSecret), []byte(pending.Nonce+pending.DeviceID), sig)

	ct, err := model.DecodeHex(resp.Ciphertext)
	if err != nil {
		return nil, false
	}
	key, err := kem.Decapsulate(pending.PrivateKey, ct)
	if err != nil {
		log.Debug("decapsulation failed", zap.Error(err))
		return nil, false
	}

	if !validSig {
		key.Erase()
		return nil, false
	}
	return &key, true
}

func (s *HttpServer) handlePulse(ctx context.Context, dc *deviceConn, payload json.RawMessage) {
	var w model.WireEnvelope
	if err := json.Unmarshal(payload, &w); err != nil {
		log.Warn("malformed pulse", zap.String("conn", dc.id), zap.Error(err))
		return
	}
	env, err := w.Envelope()
	if err != nil {
		log.Warn("malformed pulse", zap.String("conn", dc.id), zap.Error(err))
		return
	}

	// Decrypt under the lock so the key cannot be erased mid-use; the
	// store call below runs without it.
	dc.mu.Lock()
	if !dc.authenticated || dc.key == nil {
		dc.mu.Unlock()
		return
	}
	deviceID := dc.deviceID
	plain, err := s.cipher.Decrypt(env, dc.key)
	dc.mu.Unlock()

	if err != nil {
		log.Warn("pulse decrypt failed", zap.String("device", deviceID), zap.Error(err))
		return
	}
	log.Debug("pulse", zap.String("device", deviceID), zap.ByteString("status", plain))

	if err := s.status.Touch(ctx, deviceID, time.Now()); err != nil {
		log.Error("status update failed", zap.Error(err))
	}
}

func (s *HttpServer) disconnect(ctx context.Context, dc *deviceConn) {
	dc.ws.Close()
	if err := s.challenges.DropChallenge(ctx, dc.id); err != nil {
		log.Error("drop challenge failed", zap.String("conn", dc.id), zap.Error(err))
	}
	s.resetAuth(ctx, dc)
	log.Info("device disconnected", zap.String("conn", dc.id))
}

// resetAuth erases the session key and marks the device offline if this
// connection was its active one.
func (s *HttpServer) resetAuth(ctx context.Context, dc *deviceConn) {
	dc.mu.Lock()
	wasAuth := dc.authenticated
	deviceID := dc.deviceID
	dc.authenticated = false
	if dc.key != nil {
		dc.key.Erase()
		dc.key = nil
	}
	dc.mu.Unlock()

	if !wasAuth {
		return
	}

	s.mu.Lock()
	active := s.byDevice[deviceID] == dc
	if active {
		delete(s.byDevice, deviceID)
	}
	s.mu.Unlock()

	if active {
		if err := s.status.SetOffline(ctx, deviceID, time.Now()); err != nil {
			log.Error("status update failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) reject(dc *deviceConn, reason string) {
	s.emit(dc, model.EventAuthFailed, model.AuthVerdict{Reason: reason})
}

func (s *HttpServer) emit(dc *deviceConn, name string, payload any) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if err := dc.writeLocked(name, payload); err != nil {
		log.Debug("write failed", zap.String("conn", dc.id), zap.String("event", name), zap.Error(err))
	}
}

func (dc *deviceConn) writeLocked(name string, payload any) error {
	frame, err := event.Encode(name, payload)
	if err != nil {
		return err
	}
	dc.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return dc.ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *HttpServer) ListDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := s.status.List(r.Context())
		if err != nil {
			log.Error("list devices failed", zap.Error(err))
			http.Error(w, "list devices failed", http.StatusInternalServerError)
			return
		}
		if statuses == nil {
			statuses = []model.DeviceStatus{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statuses)
	}
}

// SendMessage encrypts the request body's message under the device's
// session key and pushes it as a message event.
func (s *HttpServer) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["id"]

		var req sendRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil || req.Message == "" {
			http.Error(w, "message is required", http.StatusBadRequest)
			return
		}
		if len(req.Message) > maxMessageSize {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}

		s.mu.Lock()
		dc := s.byDevice[deviceID]
		s.mu.Unlock()
		if dc == nil {
			http.Error(w, "device not connected", http.StatusNotFound)
			return
		}

		dc.mu.Lock()
		defer dc.mu.Unlock()
		if !dc.authenticated || dc.key == nil {
			http.Error(w, "device not connected", http.StatusNotFound)
			return
		}

		env, err := s.cipher.Encrypt([]byte(req.Message), dc.key)
		if err != nil {
			log.Error("encrypt failed", zap.Error(err))
			http.Error(w, "encrypt failed", http.StatusInternalServerError)
			return
		}
		if err := dc.writeLocked(model.EventMessage, env.Wire()); err != nil {
			log.Error("send message failed", zap.String("device", deviceID), zap.Error(err))
			http.Error(w, "send failed", http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// Package server is a development relay: a key directory and a to-device
// mailbox with websocket push, enough for crypto machines to talk to each
// other. It does no authentication.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"e2e_crypto/internal/model"
	userRepo "e2e_crypto/internal/repository/user"
	"e2e_crypto/internal/utils/keylock"
	"e2e_crypto/internal/utils/log"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderDeviceID = "X-Device-ID"
)

type (
	// Directory stores published keys.
	Directory interface {
		GetKeys(ctx context.Context, userID string) (*userRepo.Keys, error)
		SaveKeys(ctx context.Context, keys *userRepo.Keys) error
		AddOneTimeKeys(ctx context.Context, userID, deviceID string, keys map[string]model.SignedKey) (int, error)
		ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (string, *model.SignedKey, error)
	}

	// Queue holds to-device events for devices that are not connected.
	Queue interface {
		Push(ctx context.Context, userID, deviceID string, events ...model.ToDeviceEvent) error
		Drain(ctx context.Context, userID, deviceID string) ([]model.ToDeviceEvent, error)
	}

	HttpServer struct {
		mu     sync.RWMutex
		mapper map[string]*deviceConn

		directory Directory
		queue     Queue
		locks     *keylock.KeyLock
	}

	deviceConn struct {
		mu sync.Mutex
		ws *websocket.Conn
	}

	sender struct {
		userID   string
		deviceID string
	}

	senderKey struct{}
)

func NewHttpServer(directory Directory, queue Queue) *HttpServer {
	return &HttpServer{
		mapper:    make(map[string]*deviceConn),
		directory: directory,
		queue:     queue,
		locks:     keylock.New(),
	}
}

func connKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(requireDevice)
	api.HandleFunc("/ws", s.HandleInitWS()).Methods(http.MethodGet)
	api.HandleFunc("/keys/upload", s.UploadKeys()).Methods(http.MethodPost)
	api.HandleFunc("/keys/query", s.QueryKeys()).Methods(http.MethodPost)
	api.HandleFunc("/keys/claim", s.ClaimKeys()).Methods(http.MethodPost)
	api.HandleFunc("/keys/device_signing/upload", s.UploadSigningKeys()).Methods(http.MethodPost)
	api.HandleFunc("/keys/signatures/upload", s.UploadSignatures()).Methods(http.MethodPost)
	api.HandleFunc("/sendToDevice/{eventType}/{txnID}", s.SendToDevice()).Methods(http.MethodPut)
	return r
}

// Run serves on addr until ctx is done.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeAll()
	return srv.Shutdown(shutdownCtx)
}

func requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, deviceID := r.Header.Get(HeaderUserID), r.Header.Get(HeaderDeviceID)
		if userID == "" {
			userID = r.URL.Query().Get("user_id")
		}
		if deviceID == "" {
			deviceID = r.URL.Query().Get("device_id")
		}
		if userID == "" || deviceID == "" {
			http.Error(w, "user and device id required", http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), senderKey{}, sender{userID: userID, deviceID: deviceID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func senderOf(r *http.Request) sender {
	s, _ := r.Context().Value(senderKey{}).(sender)
	return s
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func internalError(w http.ResponseWriter, msg string, err error) {
	log.Error(msg, zap.Error(err))
	http.Error(w, msg, http.StatusInternalServerError)
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		from := senderOf(r)
		key := connKey(from.userID, from.deviceID)

		s.mu.RLock()
		_, ok := s.mapper[key]
		s.mu.RUnlock()
		if ok {
			http.Error(w, "device already connected", http.StatusConflict)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := &deviceConn{ws: ws}
		attached, err := s.attach(r.Context(), from.userID, from.deviceID, conn)
		if !attached {
			ws.Close()
			return
		}
		log.Debug("device connected", zap.String("user_id", from.userID), zap.String("device_id", from.deviceID))
		if err != nil {
			log.Error("forward queued messages failed", zap.Error(err))
		}
		go s.processWSMessage(key, conn)
	}
}

// processWSMessage only watches for the socket closing; clients send over
// HTTP.
func (s *HttpServer) processWSMessage(key string, conn *deviceConn) {
	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			log.Debug("device web socket closed", zap.String("device", key), zap.Error(err))
			s.mu.Lock()
			if s.mapper[key] == conn {
				delete(s.mapper, key)
			}
			s.mu.Unlock()
			conn.ws.Close()
			return
		}
	}
}

func (s *HttpServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, conn := range s.mapper {
		conn.ws.Close()
		delete(s.mapper, key)
	}
}

func (c *deviceConn) write(events []model.ToDeviceEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(events)
}

// Package api exposes a thin, read-mostly HTTP surface for topology
// and signal-quality inspection, plus a push-only WebSocket status
// stream. It is a diagnostic window into the agent, not a control
// plane: there is no remote reconfiguration or message injection here.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/skyfleet/meshcore/internal/link"
	"github.com/skyfleet/meshcore/internal/mesh"
)

// StatusProvider is the read surface the API queries: the link and
// mesh engines, of which only SignalQuality and Topology are called.
type StatusProvider struct {
	Link *link.Engine
	Mesh *mesh.Engine
}

// Server wraps a chi router with CORS and a status WebSocket hub.
type Server struct {
	router   chi.Router
	provider StatusProvider
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	hub  map[*websocket.Conn]struct{}
}

// NewServer builds the status API router.
func NewServer(provider StatusProvider, corsOrigins []string, logger *zap.Logger) *Server {
	s := &Server{
		provider: provider,
		logger:   logger,
		hub:      make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler)

	r.Get("/healthz", s.handleHealth)
	r.Get("/topology", s.handleTopology)
	r.Get("/signal", s.handleSignal)
	r.Get("/status/stream", s.handleStream)

	s.router = r
	return s
}

// Handler returns the chi router as an http.Handler for use with
// http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Mesh.Topology())
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Link.SignalQuality())
}

// handleStream upgrades to a WebSocket and pushes a topology+signal
// snapshot every second until the client disconnects. It never reads
// from the connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("api: websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	s.logger.Debug("api: status stream client connected", zap.String("client_id", clientID))

	s.mu.Lock()
	s.hub[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.hub, conn)
		s.mu.Unlock()
		conn.Close()
		s.logger.Debug("api: status stream client disconnected", zap.String("client_id", clientID))
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		snapshot := struct {
			Topology mesh.Topology      `json:"topology"`
			Signal   link.SignalQuality `json:"signal"`
		}{
			Topology: s.provider.Mesh.Topology(),
			Signal:   s.provider.Link.SignalQuality(),
		}
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

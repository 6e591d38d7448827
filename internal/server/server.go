// Package server is the HTTP front door: it upgrades client channels to
// websockets and hands them to the session registry.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/compustat/relayd/internal/config"
	"github.com/compustat/relayd/internal/logger"
	"github.com/compustat/relayd/internal/session"
)

// Server hosts the websocket endpoint and a health probe
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *session.Service
	router   *httprouter.Router
	server   *http.Server
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer wires the routes
func NewServer(cfg *config.Config, registry *session.Service, log *logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log.WithPrefix("http"),
		registry: registry,
		router:   httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// auth happens after the upgrade, not at the origin check
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/ws/:wspaceId", s.handleWebsocket)
	s.router.GET("/ws", s.handleWebsocketNoParam)
	s.router.GET("/status", s.handleStatus)
}

// Start serves until the listener fails or Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}
	s.log.Info("listening on %s", s.cfg.ListenAddr)
	return s.server.ListenAndServe()
}

// Stop drains the HTTP server, then tears down every session
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.registry.Shutdown()
	return err
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.acceptWebsocket(w, r, ps.ByName("wspaceId"))
}

// handleWebsocketNoParam supports clients that pass the workspace via
// query parameter or header instead of the path
func (s *Server) handleWebsocketNoParam(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.acceptWebsocket(w, r, "")
}

func (s *Server) acceptWebsocket(w http.ResponseWriter, r *http.Request, workspaceParam string) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed: %v", err)
		return
	}
	if err := s.registry.HandleConnection(ws, r, workspaceParam); err != nil {
		s.log.Info("connection closed: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.registry.SessionCount(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

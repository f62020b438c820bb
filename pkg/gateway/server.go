package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Config holds server configuration
type Config struct {
	Port           int
	SharedSecret   string
	AllowedOrigins []string // empty allows only requests without an Origin header
	Logger         zerolog.Logger
}

// Server accepts websocket subscribers and pushes job events to them
type Server struct {
	port        int
	server      *http.Server
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	auth        *AuthHandler
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = true
	}

	clients := NewClientRegistry()
	s := &Server{
		port:        cfg.Port,
		clients:     clients,
		auth:        NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, cfg.Logger),
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return allowed[origin]
			},
		},
	}
	return s, nil
}

// Start runs the HTTP listener until Shutdown
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info().Int("port", s.port).Msg("Gateway server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes existing clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	for _, client := range s.clients.Authenticated() {
		client.Close()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// PublishJobEvent pushes one job event to all subscribers. Wired to the
// queue processor's event hook by the daemon.
func (s *Server) PublishJobEvent(event, jobID string, data map[string]interface{}) {
	s.broadcaster.Broadcast(event, jobID, data)
}

// Clients returns status information for connected clients
func (s *Server) Clients() []ClientInfo {
	return s.clients.Snapshot()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	shuttingDown := s.isShuttingDown
	s.shutdownMu.RUnlock()
	if shuttingDown {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = fmt.Sprintf("client-%d", time.Now().UnixNano())
	}
	client := newClient(clientID, conn, r.RemoteAddr, s.logger)

	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate auth challenge")
		conn.Close()
		return
	}
	client.SetChallenge(challenge)

	s.clients.Add(client)
	go client.writePump()
	go s.readLoop(client)

	payload, _ := json.Marshal(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
	client.Enqueue(payload)
}

// readLoop consumes client frames. Subscribers only ever send the auth
// response; anything else after authentication is ignored.
func (s *Server) readLoop(client *Client) {
	defer func() {
		client.Close()
		s.clients.Remove(client.ID)
		s.logger.Debug().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	client.conn.SetReadLimit(4096)
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if client.IsAuthenticated() {
			continue
		}

		var resp AuthResponse
		if err := json.Unmarshal(message, &resp); err != nil || resp.Event != "auth.response" {
			continue
		}

		result := s.auth.HandleResponse(client, resp.Signature)
		payload, _ := json.Marshal(result)
		client.Enqueue(payload)

		if result.Event == "auth.blocked" {
			return
		}
		if result.Success {
			s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
		}
	}
}

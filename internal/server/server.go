package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server hosts the sync endpoint plus the health check and the sync-event
// WebSocket. It owns the listener lifecycle; the sync logic lives in
// Handler, Engine, and Resolver.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	handler *Handler
	events  *Broadcaster

	wg     sync.WaitGroup
	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":7530").
	Addr string

	// Logger for server activity (default: the default logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":7530",
		Logger: log.Default(),
	}
}

// NewServer creates a sync server around an already-constructed handler.
// events may be nil to disable the /events WebSocket.
func NewServer(config *Config, handler *Handler, events *Broadcaster) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.Addr == "" {
		config.Addr = ":7530"
	}

	return &Server{
		addr:    config.Addr,
		handler: handler,
		events:  events,
		logger:  config.Logger,
	}
}

// Start begins listening and serving. Returns once the listener is bound;
// serving continues in the background until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	s.handler.Register(mux)
	mux.HandleFunc("/health", s.handleHealth)
	if s.events != nil {
		mux.HandleFunc("/events", s.events.handleWS)
		s.events.Start()
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")

	if s.events != nil {
		s.events.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Sync server stopped")
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.events != nil {
		clients = s.events.ClientCount()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clients,
	})
}

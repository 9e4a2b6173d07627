// internal/server/server.go
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"agentloop/internal/event"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // loopback only; the listener binds 127.0.0.1
	},
}

// Server fans hub events out to local observer clients (UI, notifiers)
// over WebSocket.
type Server struct {
	hub     *event.Hub
	authKey string
	port    int

	mu         sync.Mutex
	httpServer *http.Server
	conns      map[*websocket.Conn]struct{}
}

// New creates a server over the hub. The optional AGENTLOOP_AUTH_KEY
// environment variable gates connections.
func New(hub *event.Hub) *Server {
	return &Server{
		hub:     hub,
		authKey: os.Getenv("AGENTLOOP_AUTH_KEY"),
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

// Start listens on an ephemeral loopback port and returns it
func (s *Server) Start(ctx context.Context) (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/health", s.handleHealth)

	s.mu.Lock()
	s.httpServer = &http.Server{Handler: mux}
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			log.Printf("[Server] serve error: %v", err)
		}
	}()

	return s.port, nil
}

// Port returns the bound port after Start
func (s *Server) Port() int { return s.port }

// Stop shuts the server down and disconnects clients
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleEvents upgrades the connection and streams hub events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.authKey != "" && r.Header.Get("X-Auth-Key") != s.authKey {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	sub := s.hub.Subscribe(512)
	defer func() {
		sub.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Reader goroutine: observers send nothing, but reading surfaces
	// disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

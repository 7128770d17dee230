// Package monitor exposes the coordinator's event stream to websocket
// observers, so sync progress on a device can be watched live.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/morphicai/driftsync/internal/coordinator"
	"github.com/morphicai/driftsync/internal/events"
)

// Message is one broadcast frame.
type Message struct {
	Event     string    `json:"event"`
	Label     string    `json:"label,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Detail    any       `json:"detail,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. Default 8484.
	Port int

	// Logger defaults to silent.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8484,
		Logger: log.New(io.Discard, "", 0),
	}
}

// Server fans coordinator events out to connected websocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	logger   *log.Logger

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	broadcast chan Message
	detach    []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a server from cfg.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf(":%d", cfg.Port),
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Attach subscribes to every coordinator event type and rebroadcasts.
func (s *Server) Attach(co *coordinator.Coordinator) {
	for _, t := range []events.Type{
		events.Pulled, events.Pushed, events.Conflict,
		events.Error, events.State, events.RemoteChanged,
	} {
		typ := string(t)
		cancel := co.On(t, func(ev events.Event) {
			s.Broadcast(Message{Event: typ, Label: ev.Label, Detail: detailFor(ev)})
		})
		s.detach = append(s.detach, cancel)
	}
}

// detailFor keeps frames JSON-encodable; errors become their message.
func detailFor(ev events.Event) any {
	if err, ok := ev.Detail.(error); ok {
		return err.Error()
	}
	return ev.Detail
}

// Start begins listening. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("monitor listening on %s", s.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("monitor server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when Port was 0 in tests.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop detaches from the coordinator and shuts the server down.
func (s *Server) Stop() error {
	for _, cancel := range s.detach {
		cancel()
	}
	s.detach = nil
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("monitor shutdown failed: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Broadcast queues a frame for delivery. Frames are dropped rather than
// blocking the sync path when the channel is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("monitor broadcast buffer full, dropping frame")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to encode frame: %v", err)
				continue
			}

			s.clientsMu.Lock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.Unlock()

			for _, conn := range conns {
				wctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(wctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("observer connected (total: %d)", n)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.removeClient(conn)
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, ok := s.clients[conn]
	if ok {
		delete(s.clients, conn)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("observer disconnected (total: %d)", n)
	}
}

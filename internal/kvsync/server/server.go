package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/surveyfoundry/kvsync/internal/kvsync/conn"
	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
)

// maxPushBody bounds a full-snapshot push.
const maxPushBody = 32 << 20

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8787"; ":0" picks a free port)
	Addr string

	// SocketPath is the realtime endpoint path suffix.
	SocketPath string

	// APIPath is the HTTP fallback endpoint path suffix.
	APIPath string

	// InlineSnapshot includes the snapshot in welcome messages.
	InlineSnapshot bool

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:           ":8787",
		SocketPath:     conn.DefaultSocketPath,
		APIPath:        conn.DefaultAPIPath,
		InlineSnapshot: true,
		Logger:         log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server exposes a Store over the realtime and HTTP endpoints.
type Server struct {
	config   *Config
	store    *Store
	hub      *Hub
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
	logger   *log.Logger
}

// NewServer creates a server for store.
func NewServer(store *Store, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.SocketPath == "" {
		config.SocketPath = defaults.SocketPath
	}
	if config.APIPath == "" {
		config.APIPath = defaults.APIPath
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Server{
		config: config,
		store:  store,
		hub:    NewHub(store, config.InlineSnapshot, config.Logger),
		logger: config.Logger,
	}
}

// Handler returns the HTTP handler serving every endpoint. Endpoints are
// matched by path suffix so the server works behind a path-prefixing proxy.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimSuffix(r.URL.Path, "/")
		switch {
		case strings.HasSuffix(path, s.config.SocketPath):
			s.hub.ServeHTTP(w, r)
		case strings.HasSuffix(path, s.config.APIPath):
			s.handleAPI(w, r)
		case path == "/health":
			s.handleHealth(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects clients and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.hub.Close()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Println("Sync server stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of realtime clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		state := s.store.State()
		writeJSON(w, http.StatusOK, protocol.ServerState{
			Version:   state.Version,
			Checksum:  state.Checksum,
			Snapshot:  nonNil(state.Snapshot),
			UpdatedAt: state.UpdatedAt,
		})

	case http.MethodPost:
		var req protocol.PushRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxPushBody)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body."})
			return
		}
		status, state := s.store.SyncIncoming(req.Version, req.Snapshot)
		if status == protocol.StatusServerUpdated {
			s.logger.Printf("HTTP push installed v%d", state.Version)
		}
		state.Snapshot = nonNil(state.Snapshot)
		writeJSON(w, http.StatusOK, protocol.PushResponse{Status: status, State: state})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Only GET and POST are supported."})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.store.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"clients":  s.hub.ClientCount(),
		"version":  state.Version,
		"checksum": state.Checksum,
	})
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

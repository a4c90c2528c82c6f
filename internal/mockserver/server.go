// Package mockserver provides an in-memory console backend for local
// development and tests.
//
// It serves the REST collections the client synchronizes and broadcasts a
// change frame on its /event websocket after every successful write, the
// same stream the feed package consumes.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server is the mock backend: REST collections, session and fault controls,
// and the change event hub.
type Server struct {
	addr     string
	ln       net.Listener
	httpSrv  *http.Server
	mux      *http.ServeMux
	backend  *Backend
	csrf     string
	events   *hub
	logger   *log.Logger
	shutdown context.CancelFunc
	done     context.Context
	serving  sync.WaitGroup

	stateMu  sync.RWMutex
	expired  bool
	failures map[string]failure
}

type failure struct {
	status  int
	message string
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// CSRFToken, when set, must be sent in the Csrf-Token header
	CSRFToken string

	// Backend holds the served records (default: empty backend with
	// secrets generated for users, secrets and certificates)
	Backend *Backend

	// Metrics is mounted at /metrics when set
	Metrics http.Handler

	// Logger for server activity (default: log.Default())
	Logger *log.Logger
}

// DefaultSecretFields maps entity kinds to the field their create response
// uses for generated secret material.
var DefaultSecretFields = map[string]string{
	"users":        "secret",
	"secrets":      "value",
	"certificates": "private_key",
}

// DefaultConfig returns the configuration used when NewServer gets nil.
func DefaultConfig() *Config {
	return &Config{Port: 8080, Logger: log.Default()}
}

// NewServer creates a mock backend. It does not listen until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	backend := config.Backend
	if backend == nil {
		backend = NewBackend(DefaultSecretFields)
	}

	done, shutdown := context.WithCancel(context.Background())
	s := &Server{
		addr:     fmt.Sprintf(":%d", config.Port),
		mux:      http.NewServeMux(),
		backend:  backend,
		csrf:     config.CSRFToken,
		events:   newHub(logger),
		logger:   logger,
		done:     done,
		shutdown: shutdown,
		failures: make(map[string]failure),
	}
	s.routes(config.Metrics)
	return s
}

func (s *Server) routes(metrics http.Handler) {
	s.mux.HandleFunc("GET /event", s.handleEvents)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	s.mux.HandleFunc("GET /{entity}", s.guard(s.handleList))
	s.mux.HandleFunc("GET /{entity}/stats", s.guard(s.handleStats))
	s.mux.HandleFunc("GET /{entity}/{id}", s.guard(s.handleGet))
	s.mux.HandleFunc("POST /{entity}", s.guard(s.handleCreate))
	s.mux.HandleFunc("PUT /{entity}/{id}", s.guard(s.handleUpdate))
	s.mux.HandleFunc("DELETE /{entity}/{id}", s.guard(s.handleDelete))
	s.mux.HandleFunc("DELETE /{entity}", s.guard(s.handleDeleteMulti))
}

// Backend returns the served record store.
func (s *Server) Backend() *Backend {
	return s.backend
}

// Handler returns the HTTP handler, for mounting on httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	s.serving.Add(1)
	go func() {
		defer s.serving.Done()
		s.logger.Printf("Mock backend listening on %s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Serve failed: %v", err)
		}
	}()
	return nil
}

// Stop disconnects event subscribers and shuts the listener down. It is
// safe on a server that was never started.
func (s *Server) Stop() error {
	s.shutdown()
	s.events.closeAll()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down mock backend: %w", err)
		}
	}
	s.serving.Wait()
	s.logger.Println("Mock backend stopped")
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Expire makes every REST request fail with 401 until Renew is called.
func (s *Server) Expire() {
	s.stateMu.Lock()
	s.expired = true
	s.stateMu.Unlock()
}

// Renew ends a session expiry started by Expire.
func (s *Server) Renew() {
	s.stateMu.Lock()
	s.expired = false
	s.stateMu.Unlock()
}

// Fail makes every request for entity fail with status and message.
// A zero status clears the failure.
func (s *Server) Fail(entity string, status int, message string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if status == 0 {
		delete(s.failures, entity)
		return
	}
	s.failures[entity] = failure{status: status, message: message}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.Subscribers(),
	})
}

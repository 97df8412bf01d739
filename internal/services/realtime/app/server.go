package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stillwater-app/stillwater/internal/platform/timeouts"
	"github.com/stillwater-app/stillwater/internal/services/realtime/notify"
	"github.com/stillwater-app/stillwater/internal/services/realtime/storage/sqlite"
)

// Config defines the inputs for the realtime process.
type Config struct {
	HTTPAddr          string
	StoragePath       string
	TokenSecret       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the realtime HTTP/WebSocket process and owns its store.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	service         *Service
}

// NewServer opens the store and wires the realtime service behind the
// websocket transport.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.StoragePath) == "" {
		return nil, errors.New("storage path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open realtime store: %w", err)
	}

	authenticator, err := NewJWTAuthenticator(config.TokenSecret)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("configure authenticator: %w", err)
	}

	service := NewService(store, notify.NewService(store, nil, nil))
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           service.NewHandler(authenticator),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		service:         service,
	}, nil
}

// Service exposes the realtime core, mainly for tests.
func (s *Server) Service() *Service {
	if s == nil {
		return nil
	}
	return s.service
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("realtime server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("realtime server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close realtime store: %v", err)
		}
	}
}

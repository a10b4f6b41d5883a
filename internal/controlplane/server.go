// Package controlplane serves a token protected HTTP API on a local address
// so other processes can read agent status, queue passes and follow sync
// events over a websocket.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/foldersync/internal/controlplane/middleware"
	"github.com/openmined/foldersync/internal/utils"
)

const (
	DefaultAddr  = "127.0.0.1:7938"
	endpointFile = "controlplane.json"
)

var ErrNoEndpoint = errors.New("control plane endpoint not found")

type Config struct {
	Addr      string // address to bind, port 0 picks a free one
	AuthToken string // bearer token, generated when empty
	RateLimit int64  // requests per second per client ip
}

// Endpoint is what a running agent publishes in its data dir so the CLI can
// reach the control plane.
type Endpoint struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type Server struct {
	config   *Config
	server   *http.Server
	listener net.Listener
}

func New(config *Config, a Agent) *Server {
	if config.AuthToken == "" {
		config.AuthToken = utils.TokenHex(16)
	}

	routes := SetupRoutes(a, &RouteConfig{
		Auth:      middleware.TokenAuthConfig{Token: config.AuthToken},
		RateLimit: config.RateLimit,
	})

	httpServer := &http.Server{
		Addr:    config.Addr,
		Handler: routes,
		// no WriteTimeout, /v1/events holds its connection open
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{
		config: config,
		server: httpServer,
	}
}

// Listen binds the configured address. Start calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	return nil
}

// URL is the base url of a listening server.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

func (s *Server) Endpoint() *Endpoint {
	return &Endpoint{URL: s.URL(), Token: s.config.AuthToken}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	slog.Info("control plane start", "addr", s.URL())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("control plane serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(shutdownCtx)
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}

// WriteEndpoint publishes e in dataDir, readable only by the owner.
func WriteEndpoint(dataDir string, e *Endpoint) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, endpointFile), data, 0o600)
}

func ReadEndpoint(dataDir string) (*Endpoint, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, endpointFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoEndpoint
	} else if err != nil {
		return nil, err
	}

	var e Endpoint
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse %s: %w", endpointFile, err)
	}
	if e.URL == "" {
		return nil, ErrNoEndpoint
	}
	return &e, nil
}

func RemoveEndpoint(dataDir string) {
	os.Remove(filepath.Join(dataDir, endpointFile))
}

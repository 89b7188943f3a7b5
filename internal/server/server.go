// Package server exposes the tool-call filter over HTTP.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/toolfence/internal/audit"
	"github.com/tingly-dev/toolfence/internal/auth"
	"github.com/tingly-dev/toolfence/internal/config"
	"github.com/tingly-dev/toolfence/internal/relay"
	"github.com/tingly-dev/toolfence/internal/source"
)

// SourceFactory opens an upstream completion stream for a prompt.
type SourceFactory func(ctx context.Context, prompt string) (source.StreamSource, error)

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	jwtManager *auth.JWTManager
	engine     *gin.Engine
	httpServer *http.Server
	manager    *relay.Manager
	observers  []relay.Observer
	counter    relay.TokenCounter
	audit      *audit.Store
	newSource  SourceFactory

	openBrowser bool
	version     string
}

// ServerOption defines a functional option for Server configuration
type ServerOption func(*Server)

// WithVersion sets the version reported by /v1/status.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithObservers adds relay observers for every stream the server runs.
func WithObservers(observers ...relay.Observer) ServerOption {
	return func(s *Server) {
		s.observers = append(s.observers, observers...)
	}
}

// WithTokenCounter enables suppressed token estimates.
func WithTokenCounter(counter relay.TokenCounter) ServerOption {
	return func(s *Server) {
		s.counter = counter
	}
}

// WithAuditStore exposes recorded tool calls and observes every stream.
func WithAuditStore(store *audit.Store) ServerOption {
	return func(s *Server) {
		s.audit = store
		s.observers = append(s.observers, store)
	}
}

// WithAuditAPI exposes recorded tool calls without adding the store as an
// observer, for callers that already observe with it.
func WithAuditAPI(store *audit.Store) ServerOption {
	return func(s *Server) {
		s.audit = store
	}
}

// WithSourceFactory replaces the upstream used by /v1/chat.
func WithSourceFactory(factory SourceFactory) ServerOption {
	return func(s *Server) {
		s.newSource = factory
	}
}

// WithOpenBrowser opens the status page once the server is listening.
func WithOpenBrowser(enabled bool) ServerOption {
	return func(s *Server) {
		s.openBrowser = enabled
	}
}

// NewServer creates the server and its routes.
func NewServer(cfg *config.Config, opts ...ServerOption) *Server {
	s := &Server{
		config:  cfg,
		version: "dev",
	}
	s.newSource = func(ctx context.Context, prompt string) (source.StreamSource, error) {
		return source.NewProviderSource(ctx, cfg.ProviderConfig(), prompt)
	}
	for _, opt := range opts {
		opt(s)
	}

	if secret := cfg.ServerConfig().JWTSecret; secret != "" {
		s.jwtManager = auth.NewJWTManager(secret)
	}
	s.manager = relay.NewManager(relay.ManagerConfig{Timeout: cfg.StreamTimeout()}, s.relayOptions()...)

	if logrus.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) relayOptions() []relay.Option {
	opts := []relay.Option{relay.WithObservers(s.observers...)}
	if s.counter != nil {
		opts = append(opts, relay.WithTokenCounter(s.counter))
	}
	return opts
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/v1")
	api.Use(s.authMiddleware())
	api.GET("/status", s.handleStatus)

	api.POST("/filter", s.handleFilter)
	api.POST("/filter/sse", s.handleFilterSSE)

	streams := api.Group("/streams")
	streams.POST("", s.handleOpenStream)
	streams.GET("", s.handleListStreams)
	streams.GET("/:id", s.handleGetStream)
	streams.POST("/:id/chunks", s.handlePushChunk)
	streams.POST("/:id/flush", s.handleFlushStream)
	streams.POST("/:id/reset", s.handleResetStream)
	streams.DELETE("/:id", s.handleCloseStream)

	api.POST("/chat", s.handleChat)
	api.GET("/audit/tool_calls", s.handleListToolCalls)
}

// Router returns the Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Manager returns the stream manager.
func (s *Server) Manager() *relay.Manager {
	return s.manager
}

// Start listens on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverError := make(chan error, 1)
	go func() {
		serverError <- s.httpServer.ListenAndServe()
	}()

	if err := waitForPort(addr, 2*time.Second); err != nil {
		select {
		case e := <-serverError:
			return e
		default:
			return fmt.Errorf("timeout: server did not start on %s: %v", addr, err)
		}
	}

	statusURL := fmt.Sprintf("http://%s/v1/status", addr)
	logrus.WithField("addr", addr).Info("toolfence server listening")
	if s.openBrowser {
		if err := browser.OpenURL(statusURL); err != nil {
			logrus.WithError(err).Warn("Failed to open browser")
		}
	}

	err := <-serverError
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server and finishes open streams.
func (s *Server) Stop(ctx context.Context) error {
	defer s.manager.Stop()
	if s.httpServer == nil {
		return nil
	}
	logrus.Info("Shutting down server...")
	return s.httpServer.Shutdown(ctx)
}

// waitForPort polls addr until it accepts connections.
func waitForPort(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("port %s not reachable", addr)
}

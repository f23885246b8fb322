// Package server is the HTTP gateway: one echo listener that serves health, metrics and node
// information, and hands everything else to the dispatcher and the service handlers.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cloudemu/pkg/api"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/metrics"
)

const (
	// ShutdownTimeout bounds how long in-flight requests may take to drain.
	ShutdownTimeout = 10 * time.Second

	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server is the emulator gateway.
type Server struct {
	state      *api.State
	registry   *dispatch.Registry
	classifier *dispatch.Classifier
	metrics    *metrics.Metrics
	verifier   *verifier
	echo       *echo.Echo
	version    string

	mu     sync.Mutex
	http   *http.Server
	closed bool
}

// New builds a gateway over st serving the handlers in registry. m may be nil to disable
// /metrics.
func New(st *api.State, registry *dispatch.Registry, m *metrics.Metrics, version string) *Server {
	s := &Server{
		state:      st,
		registry:   registry,
		classifier: dispatch.NewClassifier(registry),
		metrics:    m,
		echo:       echo.New(),
		version:    version,
	}
	if st.Config.ValidateSignatures {
		s.verifier = newVerifier(st.Config.AccessKey, st.Config.SecretKey)
	}
	s.setupRoutes()
	return s
}

// Handler returns the traced HTTP handler, for use with httptest or a custom listener.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.echo, "cloudemu",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

// Serve accepts connections on ln until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.http = srv
	s.mu.Unlock()
	log.Info().
		Str("addr", ln.Addr().String()).
		Str("data_dir", s.state.Config.DataDir).
		Str("region", s.state.Region()).
		Str("version", s.version).
		Bool("validate_signatures", s.verifier != nil).
		Msg("Starting cloudemu gateway")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests, bounded by ctx. A
// Serve that has not started yet returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	log.Info().Msg("Shutting down gateway...")
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Gateway shutdown failed")
		return err
	}
	log.Info().Msg("Gateway gracefully stopped")
	return nil
}

func (s *Server) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(requestIDMiddleware)
	s.echo.Use(accessLogMiddleware())

	s.echo.GET("/health", s.health)
	s.echo.GET("/_cloudemu/node", s.getNodeInfo)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	for _, route := range dispatch.RESTRoutes {
		s.echo.Add(route.Method, route.Path, s.restHandler(route))
	}
	s.echo.Any("/*", s.gateway)
}

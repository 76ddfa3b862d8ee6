// Package http serves the agent's diagnostics endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/elexd/internal/gossip"
	"github.com/fyrsmithlabs/elexd/internal/intelligence"
)

// Backend is the part of the intelligence service the server reads.
// *intelligence.Service implements it.
type Backend interface {
	AgentID() string
	Stats() intelligence.Stats
	Peers() []gossip.Peer
	SyncNow(ctx context.Context) error
}

// HealthFunc reports an extra named check for /health. A non-nil error
// marks the agent degraded.
type HealthFunc func() error

// Server provides the diagnostics endpoints for one agent.
type Server struct {
	echo    *echo.Echo
	backend Backend
	logger  *zap.Logger
	config  *Config
	checks  map[string]HealthFunc
	started time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Gatherer serves /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer
}

// NewServer creates a new HTTP server.
func NewServer(backend Backend, logger *zap.Logger, cfg *Config) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics, err := defaultRequestMetrics()
	if err != nil {
		logger.Warn("http metrics partially registered", zap.Error(err))
	}
	e.Use(metrics.middleware)
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		backend: backend,
		logger:  logger,
		config:  cfg,
		checks:  make(map[string]HealthFunc),
		started: time.Now(),
	}
	s.registerRoutes()
	return s, nil
}

// AddHealthCheck registers a named check reported by /health.
// Call before Start.
func (s *Server) AddHealthCheck(name string, fn HealthFunc) {
	s.checks[name] = fn
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/stats", s.handleStats)
	s.echo.GET("/peers", s.handlePeers)

	gatherer := s.config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sync", s.handleSync)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:  statusOK,
		AgentID: s.backend.AgentID(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	for name, check := range s.checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(s.checks))
		}
		if err := check(); err != nil {
			resp.Status = statusDegraded
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = statusOK
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.backend.Stats())
}

func (s *Server) handlePeers(c echo.Context) error {
	peers := s.backend.Peers()
	if peers == nil {
		peers = []gossip.Peer{}
	}
	resp := PeersResponse{AgentID: s.backend.AgentID(), Peers: peers}
	for _, p := range peers {
		if p.Online {
			resp.Online++
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSync(c echo.Context) error {
	if err := s.backend.SyncNow(c.Request().Context()); err != nil {
		if errors.Is(err, intelligence.ErrSyncDisabled) {
			return echo.NewHTTPError(http.StatusConflict, "sync is disabled")
		}
		s.logger.Warn("manual sync failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "sync failed")
	}
	return c.JSON(http.StatusAccepted, SyncResponse{AgentID: s.backend.AgentID(), Triggered: true})
}

// ServeHTTP lets the server be exercised without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start listens until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.Addr()))
	if err := s.echo.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

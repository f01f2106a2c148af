// Package http provides the HTTP API for whispercore.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/whispercore/internal/llm"
	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"github.com/fyrsmithlabs/whispercore/internal/reflection"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Upstream is the model endpoint as seen by the health and model routes.
// *llm.Client implements it.
type Upstream interface {
	HealthCheck(ctx context.Context) bool
	ListModels(ctx context.Context) ([]llm.Model, error)
}

var _ Upstream = (*llm.Client)(nil)

// Server provides HTTP endpoints for whispercore.
type Server struct {
	echo      *echo.Echo
	service   *reflection.Service
	submitter *reflection.Submitter
	upstream  Upstream
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server. submitter may be nil, in which case
// the memory routes are not registered.
func NewServer(service *reflection.Service, submitter *reflection.Submitter, upstream Upstream, logger *zap.Logger, cfg *Config) (*Server, error) {
	switch {
	case service == nil:
		return nil, errors.New("http: nil reflection service")
	case upstream == nil:
		return nil, errors.New("http: nil upstream")
	case logger == nil:
		return nil, errors.New("http: nil logger")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(prometheusMiddleware())

	s := &Server{
		echo:      e,
		service:   service,
		submitter: submitter,
		upstream:  upstream,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/reflections", s.handleReflection)
	v1.POST("/reflections/stream", s.handleReflectionStream)
	v1.POST("/completions", s.handleCompletion)
	v1.GET("/models", s.handleModels)
	if s.submitter != nil {
		v1.POST("/memories", s.handleSubmit)
		v1.POST("/memories/stream", s.handleSubmitStream)
		v1.GET("/memories", s.handleListMemories)
		v1.GET("/memories/:id", s.handleGetMemory)
		v1.GET("/sessions/:session_id/memories", s.handleListMemories)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// requestLogger tags the request context with the echo request id and logs
// one line per request.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))

			err := next(c)
			res := c.Response()
			logger.Info("http request",
				zap.String("request.id", id),
				zap.String("method", req.Method),
				zap.String("path", c.Path()),
				zap.Int("status", res.Status),
				zap.Int64("bytes", res.Size),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	}
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.logger.Info("starting http server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

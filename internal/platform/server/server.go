// Package server runs the operations HTTP endpoint: liveness, readiness and
// Prometheus metrics. It carries no clinical data.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/platform/middleware"
	"github.com/medcode/medcode/internal/platform/telemetry"
)

// Version is reported by /healthz.
const Version = "0.1.0"

// Server is the ops HTTP server.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger zerolog.Logger
	checks []namedCheck
}

// New builds the ops server listening on addr. metrics may be nil, in which
// case /metrics is not registered.
func New(addr string, metrics *telemetry.Metrics, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, "/healthz", "/readyz", "/metrics"))
	if metrics != nil {
		e.Use(metrics.Middleware())
	}

	s := &Server{echo: e, addr: addr, logger: logger}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	})
	e.GET("/readyz", s.readyHandler)
	if metrics != nil {
		e.GET("/metrics", metrics.Handler())
	}

	return s
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("starting ops server")
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

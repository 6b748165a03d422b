// Package server is the broker's HTTP transport. It only decodes requests
// and encodes responses; device-state correctness lives entirely in the
// broker package.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mwhudson/losetup-server/internal/api"
)

// Handler processes decoded operation requests. Implemented by
// broker.Broker.
type Handler interface {
	Handle(ctx context.Context, req api.Request) api.Response
}

// Server serves the broker API over HTTP.
type Server struct {
	echo    *echo.Echo
	handler Handler
}

// New creates a server for the given handler.
func New(handler Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, handler: handler}

	e.Use(requestLogger)
	e.POST("/v1/request", s.handleRequest)
	e.GET("/v1/devices", s.handleDevices)
	e.GET("/healthz", s.handleHealth)

	return s
}

// requestLogger tags each request with an ID and logs its outcome.
func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := uuid.NewString()
		start := time.Now()

		req := c.Request()
		ctx := log.WithLogger(req.Context(), log.G(req.Context()).WithField("requestID", id))
		c.SetRequest(req.WithContext(ctx))

		err := next(c)

		log.G(ctx).WithField("method", req.Method).
			WithField("uri", req.RequestURI).
			WithField("duration", time.Since(start).String()).
			Debug("http: request handled")
		return err
	}
}

func (s *Server) handleRequest(c echo.Context) error {
	var req api.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, api.Response{
			Status:    api.StatusError,
			ErrorKind: api.KindValidation,
			Message:   "malformed request body",
		})
	}
	resp := s.handler.Handle(c.Request().Context(), req)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDevices(c echo.Context) error {
	resp := s.handler.Handle(c.Request().Context(), api.Request{Operation: api.OpList})
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok\n")
}

// Start begins serving on the given address. It blocks until the server
// stops.
func (s *Server) Start(address string) error {
	err := s.echo.Start(address)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

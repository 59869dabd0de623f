package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatbridgehq/chatbridge/internal/auth"
	"github.com/chatbridgehq/chatbridge/internal/handlers"
	"github.com/chatbridgehq/chatbridge/internal/metrics"
)

type Server struct {
	echo *echo.Echo
	addr string
}

// shouldSkipJWT marks the paths the provider (or an unauthenticated health
// check) must reach without a bearer token. Operational endpoints such as
// /api/drain stay behind the JWT; the cron jobs call their services
// in-process and never go through HTTP.
func shouldSkipJWT(path string) bool {
	switch path {
	case "/ping", "/health", "/metrics", "/api/data-deletion":
		return true
	}
	return strings.HasPrefix(path, "/api/webhooks/")
}

func NewServer(log *slog.Logger, addr string, jwtSecret string, m *metrics.Metrics, pingHandler *handlers.PingHandler, webhookHandler *handlers.WebhookHandler, opsHandler *handlers.OpsHandler, adminHandler *handlers.AdminHandler) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))

	if m != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	if pingHandler != nil {
		pingHandler.Register(e)
	}
	if webhookHandler != nil {
		webhookHandler.Register(e)
	}
	if opsHandler != nil {
		opsHandler.Register(e)
	}
	if adminHandler != nil {
		adminHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

func (s *Server) Start() error {
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

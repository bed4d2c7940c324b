// Package server assembles the gateway runtime: the echo HTTP server, the
// AI services behind it, and the health and metrics surfaces.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/orbitgw/orbit/ai/config"
	"github.com/orbitgw/orbit/ai/metrics"
	"github.com/orbitgw/orbit/internal/profile"
	apiv1 "github.com/orbitgw/orbit/server/router/api/v1"
	"github.com/orbitgw/orbit/store"
)

// Server is the gateway process.
type Server struct {
	echoServer *echo.Echo
	profile    *profile.Profile
	store      *store.Store

	services *Services
	metrics  *metrics.PrometheusExporter
}

// NewServer builds the full runtime. With profile.Strict set, unreachable
// critical dependencies fail startup instead of degrading.
func NewServer(ctx context.Context, p *profile.Profile, st *store.Store, cfg *config.Config) (*Server, error) {
	exporter := metrics.NewPrometheusExporter(metrics.Config{})

	services, err := NewServices(ctx, p, st, cfg, exporter)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway services: %w", err)
	}

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true

	echoServer.Use(middleware.Recover())
	echoServer.Use(middleware.CORS())
	echoServer.Use(accessLogMiddleware())

	s := &Server{
		echoServer: echoServer,
		profile:    p,
		store:      st,
		services:   services,
		metrics:    exporter,
	}

	echoServer.GET("/health", s.handleHealth)
	echoServer.GET("/health/ready", s.handleReady)
	echoServer.GET("/metrics", echo.WrapHandler(exporter.Handler()))

	apiService := apiv1.NewAPIV1Service(p, st, cfg, &apiv1.GatewayServices{
		Pipeline:   services.Pipeline,
		Sessions:   services.Sessions,
		Registry:   services.Registry,
		Breakers:   services.Breakers,
		LLMs:       services.LLMs,
		Moderation: services.Moderation,
	})
	apiService.Register(echoServer)

	return s, nil
}

// Start begins serving. It returns once the listener is up; errors after
// that surface through the shutdown path.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)

	go func() {
		if err := s.echoServer.Start(address); err != nil && err != http.ErrServerClosed {
			slog.Error("server: listener failed", "address", address, "error", err)
		}
	}()

	s.services.StartBackground(ctx)
	return nil
}

// Shutdown drains in-flight requests, then closes the backends.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("server: failed to shut down gracefully", "error", err)
	}
	s.services.Close()
	if err := s.store.Close(); err != nil {
		slog.Error("server: failed to close store", "error", err)
	}
	slog.Info("server: stopped")
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports not-ready while any critical circuit is open or the
// store is unreachable, so load balancers can drain the instance.
func (s *Server) handleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "store unreachable",
		})
	}
	if s.services.Breakers.AnyOpen() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "degraded",
			"reason":   "open circuit",
			"circuits": s.services.Breakers.Snapshots(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func accessLogMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
				slog.Warn("http request", attrs...)
				return nil
			}
			slog.Info("http request", attrs...)
			return nil
		},
	})
}

package handler

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"browse-proxy-go/internal/config"
	"browse-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The proxy
// and tunnel entry points sit behind the auth gate; health endpoints do not.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, logger *slog.Logger, proxy *ProxyHandler, tunnel *TunnelHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	gate := middleware.Auth(&cfg.Auth, logger)
	e.GET(cfg.Proxy.Path, proxy.Handle, gate)
	e.GET(cfg.Proxy.TunnelPath, tunnel.Handle, gate)

	if cfg.Server.StaticDir != "" {
		e.Static("/", cfg.Server.StaticDir)
	}
}

package handler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/labstack/echo/v4"

	"browse-proxy-go/internal/client"
	"browse-proxy-go/internal/config"
	"browse-proxy-go/internal/service"
	"browse-proxy-go/internal/target"
	"browse-proxy-go/internal/tunnel"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{
			Path:            "/proxy",
			TunnelPath:      "/tunnel",
			MaxRedirects:    5,
			MaxRewriteBytes: 1 << 20,
		},
		Upstream: config.UpstreamConfig{
			ConnectTimeoutSeconds: 5,
			IdleTimeoutSeconds:    10,
			IdleConnections:       10,
		},
		Tunnel: config.TunnelConfig{IdleTimeoutSeconds: 10, BufferBytes: 4096},
		Auth:   config.AuthConfig{TokenHeader: "X-Proxy-Token"},
	}
}

// newTestEcho wires the full handler stack the way the binary does,
// without the global middleware.
func newTestEcho(t *testing.T, mutate func(*config.Config)) *echo.Echo {
	t.Helper()
	cfg := newTestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := target.NewResolver(cfg, logger, nil)
	svc := service.NewProxyService(client.NewUpstreamClient(cfg, resolver, logger, nil), resolver, cfg, logger, nil)

	e := echo.New()
	RegisterRoutes(e, cfg, logger,
		NewProxyHandler(svc, logger),
		NewTunnelHandler(tunnel.NewDialer(cfg, resolver, logger, nil), logger),
		NewHealthHandler(cfg, "test"),
	)
	return e
}

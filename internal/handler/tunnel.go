package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"browse-proxy-go/internal/model"
	"browse-proxy-go/internal/tunnel"
)

// TunnelHandler serves WebSocket upgrades on {proxy.tunnel_path}?url=...
type TunnelHandler struct {
	dialer *tunnel.Dialer
	logger *slog.Logger
}

// NewTunnelHandler creates a TunnelHandler.
func NewTunnelHandler(d *tunnel.Dialer, logger *slog.Logger) *TunnelHandler {
	return &TunnelHandler{
		dialer: d,
		logger: logger.With("component", "tunnel_handler"),
	}
}

// Handle connects to the upstream socket first and only then takes over
// the client connection, so every failure before that point is an ordinary
// HTTP error response.
func (h *TunnelHandler) Handle(c echo.Context) error {
	req := c.Request()
	if !websocket.IsWebSocketUpgrade(req) {
		return rejectUpgrade(c, h.logger, fmt.Errorf("%w: websocket upgrade required", model.ErrInvalidTarget))
	}

	s, err := h.dialer.Open(req.Context(), c.QueryParam("url"), req.Header)
	if err != nil {
		return rejectUpgrade(c, h.logger, err)
	}

	conn, rw, err := c.Response().Hijack()
	if err != nil {
		s.Close()
		return rejectUpgrade(c, h.logger, fmt.Errorf("%w: hijack: %v", model.ErrTunnelClosed, err))
	}
	c.Response().Status = http.StatusSwitchingProtocols
	c.Response().Committed = true

	if err := s.Attach(conn, rw.Reader); err != nil {
		h.logger.Warn("tunnel attach failed", "session", s.ID, "err", err)
		return nil
	}
	if err := s.Run(req.Context()); err != nil && !errors.Is(err, model.ErrTunnelClosed) {
		h.logger.Warn("tunnel ended", "session", s.ID, "err", err)
	}
	return nil
}

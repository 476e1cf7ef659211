package handler

import (
	"io"
	"log/slog"
	"net"

	"github.com/labstack/echo/v4"

	"browse-proxy-go/internal/model"
	"browse-proxy-go/internal/service"
)

// ProxyHandler serves the HTTP entry point: GET {proxy.path}?url=...
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the target named by the url query parameter and streams
// the transformed response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:         req.Context(),
		RawTarget:   c.QueryParam("url"),
		Header:      req.Header,
		ProxyOrigin: c.Scheme() + "://" + req.Host,
		ProxyHost:   hostOnly(req.Host),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return mapError(c, h.logger, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failure here can only truncate the
	// body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
	}

	return nil
}

// hostOnly strips the port from a Host header value.
func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

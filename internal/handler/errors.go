package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"browse-proxy-go/internal/model"
)

// urlQueryPattern matches the query part of URLs embedded in error
// messages. Browsed URLs may carry session tokens in their query strings.
var urlQueryPattern = regexp.MustCompile(`((?:https?|wss?)://[^\s"?]+)\?[^\s"]*`)

// errorMapping is checked in order; the first matching sentinel wins.
var errorMapping = []struct {
	err     error
	status  int
	message string
}{
	{model.ErrInvalidTarget, http.StatusBadRequest, "invalid target url"},
	{model.ErrBlockedTarget, http.StatusUnavailableForLegalReasons, "target host is blocked"},
	{model.ErrForbiddenTarget, http.StatusForbidden, "target is not allowed"},
	{model.ErrAuthRequired, http.StatusUnauthorized, "authentication required"},
	{model.ErrAuthInvalid, http.StatusUnauthorized, "invalid credentials"},
	{model.ErrUpstreamTimeout, http.StatusBadGateway, "upstream timed out"},
	{model.ErrTooManyRedirects, http.StatusBadGateway, "too many redirects"},
	{model.ErrUpstreamUnreachable, http.StatusBadGateway, "upstream unreachable"},
	{model.ErrTunnelClosed, http.StatusBadGateway, "tunnel closed"},
	{context.Canceled, http.StatusBadGateway, "client disconnected"},
}

// mapError writes the JSON error response for err.
func mapError(c echo.Context, logger *slog.Logger, err error) error {
	status, message := errorStatus(err)
	logError(c, logger, err, status)
	return c.JSON(status, map[string]string{"error": message})
}

// rejectUpgrade answers a failed WebSocket upgrade with a bare status line
// and closes the connection.
func rejectUpgrade(c echo.Context, logger *slog.Logger, err error) error {
	status, _ := errorStatus(err)
	logError(c, logger, err, status)
	c.Response().Header().Set(echo.HeaderConnection, "close")
	return c.NoContent(status)
}

func errorStatus(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.message
		}
	}
	return http.StatusBadGateway, "upstream request failed"
}

func logError(c echo.Context, logger *slog.Logger, err error, status int) {
	attrs := []any{"err", sanitizeError(err), "path", c.Request().URL.Path, "status", status}
	if status >= 500 {
		logger.Error("proxy error", attrs...)
	} else {
		logger.Warn("proxy error", attrs...)
	}
}

// sanitizeError redacts query strings from URLs in error messages.
func sanitizeError(err error) string {
	return urlQueryPattern.ReplaceAllString(err.Error(), "${1}?[REDACTED]")
}

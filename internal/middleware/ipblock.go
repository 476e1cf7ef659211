package middleware

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/labstack/echo/v4"

	"browse-proxy-go/internal/config"
)

// BlockClients returns an Echo middleware that answers 403 to clients whose
// address falls in one of the given IPs or CIDRs. Entries are expected to
// have passed config validation; any that do not parse are logged and
// ignored.
func BlockClients(entries []string, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "client_filter")

	var blocked []netip.Prefix
	for _, e := range entries {
		p, err := config.ParsePrefix(e)
		if err != nil {
			logger.Warn("ignoring blocked client entry", "entry", e, "err", err)
			continue
		}
		blocked = append(blocked, p)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if len(blocked) == 0 {
			return next
		}
		return func(c echo.Context) error {
			addr, err := netip.ParseAddr(c.RealIP())
			if err != nil {
				return next(c)
			}
			addr = addr.Unmap()
			for _, p := range blocked {
				if p.Contains(addr) {
					logger.Warn("client blocked", "remote_ip", addr.String(), "path", c.Request().URL.Path)
					return c.JSON(http.StatusForbidden, map[string]string{
						"error": "client address is blocked",
					})
				}
			}
			return next(c)
		}
	}
}

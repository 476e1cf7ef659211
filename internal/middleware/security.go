package middleware

import (
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"browse-proxy-go/internal/model"
)

// upgradeHeaders survive request stripping on WebSocket upgrades so the
// tunnel handler can recognise them.
var upgradeHeaders = map[string]bool{
	"Connection": true,
	"Upgrade":    true,
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from incoming requests and adds security headers to responses. Headers
// are set before the handler runs so proxied upstream values can replace
// them.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if websocket.IsWebSocketUpgrade(req) {
				for name := range req.Header {
					if model.IsHopByHop(name) && !upgradeHeaders[name] {
						req.Header.Del(name)
					}
				}
			} else {
				model.StripHopByHop(req.Header)
			}

			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "SAMEORIGIN")

			return next(c)
		}
	}
}

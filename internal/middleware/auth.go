package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"browse-proxy-go/internal/config"
	"browse-proxy-go/internal/model"
)

const authRealm = "browse-proxy"

// Auth returns an Echo middleware that admits a request carrying either the
// configured token (in the token header or as a Bearer credential) or a
// Basic credential matching the configured pair. With no credential
// configured it passes every request through.
func Auth(cfg *config.AuthConfig, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "auth")
	challenge := `Bearer realm="` + authRealm + `"`
	if cfg.Username != "" {
		challenge = `Basic realm="` + authRealm + `", charset="UTF-8"`
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if !cfg.AuthEnabled() {
			return next
		}
		return func(c echo.Context) error {
			err := authenticate(cfg, c.Request())
			if err == nil {
				return next(c)
			}
			logger.Warn("request rejected",
				"reason", err.Error(),
				"path", c.Request().URL.Path,
				"remote_ip", c.RealIP(),
			)
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, challenge)
			if websocket.IsWebSocketUpgrade(c.Request()) {
				c.Response().Header().Set(echo.HeaderConnection, "close")
				return c.NoContent(http.StatusUnauthorized)
			}
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": err.Error(),
			})
		}
	}
}

// authenticate returns nil when r carries an accepted credential,
// model.ErrAuthRequired when it carries none and model.ErrAuthInvalid when
// every presented credential was wrong.
func authenticate(cfg *config.AuthConfig, r *http.Request) error {
	presented := false

	if cfg.Token != "" {
		if v := r.Header.Get(cfg.TokenHeader); v != "" {
			presented = true
			if equal(v, cfg.Token) {
				return nil
			}
		}
		if v, ok := bearerToken(r); ok {
			presented = true
			if equal(v, cfg.Token) {
				return nil
			}
		}
	}

	if cfg.Username != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			presented = true
			if equal(user, cfg.Username) && checkPassword(cfg, pass) {
				return nil
			}
		}
	}

	if !presented {
		return model.ErrAuthRequired
	}
	return model.ErrAuthInvalid
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get(echo.HeaderAuthorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func checkPassword(cfg *config.AuthConfig, pass string) bool {
	if cfg.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(cfg.PasswordHash), []byte(pass)) == nil
	}
	return equal(pass, cfg.Password)
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

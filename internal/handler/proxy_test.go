package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"browse-proxy-go/internal/config"
	"browse-proxy-go/internal/model"
)

func proxyPath(target string) string {
	return "/proxy?url=" + url.QueryEscape(target)
}

func TestProxyHandler_Handle_RewritesPage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Add("Set-Cookie", "sessionid=abc123; Domain=auth.example.com; Path=/")
		w.Header().Add("Set-Cookie", "theme=dark; Path=/prefs")
		_, _ = io.WriteString(w, `<html><head><title>t</title></head><body><a href="/next">n</a></body></html>`)
	}))
	defer upstream.Close()

	e := newTestEcho(t, nil)
	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/index.html"), http.NoBody)
	req.Host = "proxy.local:8080"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	wantLink := "http://proxy.local:8080/proxy?url=" + url.QueryEscape(upstream.URL+"/next")
	if !strings.Contains(rec.Body.String(), wantLink) {
		t.Errorf("body lacks proxied link %q:\n%s", wantLink, rec.Body)
	}

	cookies := rec.Header().Values("Set-Cookie")
	if len(cookies) != 2 {
		t.Fatalf("Set-Cookie count = %d, want 2", len(cookies))
	}
	if cookies[0] != "sessionid=abc123; Domain=proxy.local; Path=/" {
		t.Errorf("Set-Cookie[0] = %q", cookies[0])
	}
	if cookies[1] != "theme=dark; Path=/" {
		t.Errorf("Set-Cookie[1] = %q", cookies[1])
	}
}

func TestProxyHandler_Handle_PartialContent(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 2048)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer upstream.Close()

	e := newTestEcho(t, nil)
	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/blob.bin"), http.NoBody)
	req.Header.Set("Range", "bytes=0-1023")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-1023/2048" {
		t.Errorf("Content-Range = %q, want bytes 0-1023/2048", got)
	}
	if rec.Body.Len() != 1024 {
		t.Errorf("body length = %d, want 1024", rec.Body.Len())
	}
}

func TestProxyHandler_Handle_Errors(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.Config)
		path       string
		wantStatus int
	}{
		{"missing url", nil, "/proxy", http.StatusBadRequest},
		{"not a url", nil, "/proxy?url=not%20a%20url", http.StatusBadRequest},
		{"unsupported scheme", nil, proxyPath("ftp://example.com/file"), http.StatusBadRequest},
		{"allowlist miss", func(c *config.Config) { c.Policy.AllowedHosts = []string{"example.org"} }, proxyPath("https://example.com/"), http.StatusForbidden},
		{"allowlist miss any path", func(c *config.Config) { c.Policy.AllowedHosts = []string{"example.org"} }, proxyPath("example.com/a/b?c=d"), http.StatusForbidden},
		{"blocked host", func(c *config.Config) { c.Policy.BlockedHosts = []string{"*.tracker.test"} }, proxyPath("https://ads.tracker.test/"), http.StatusUnavailableForLegalReasons},
		{"blocked network", func(c *config.Config) { c.Policy.BlockedHosts = []string{"10.0.0.0/8"} }, proxyPath("http://10.1.2.3/"), http.StatusForbidden},
		{"unreachable", nil, proxyPath("http://127.0.0.1:1/"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEcho(t, tt.mutate)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] == "" {
				t.Error("expected non-empty error message")
			}
		})
	}
}

func TestProxyHandler_Handle_AuthGate(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	e := newTestEcho(t, func(c *config.Config) { c.Auth.Token = "s3cret" })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL), http.NoBody))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 without challenge header")
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("upstream contacted %d times before authentication", n)
	}

	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL), http.NoBody)
	req.Header.Set("X-Proxy-Token", "s3cret")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want 1", n)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantMsg    string
	}{
		{fmt.Errorf("resolve: %w", model.ErrInvalidTarget), http.StatusBadRequest, "invalid target url"},
		{fmt.Errorf("resolve: %w", model.ErrBlockedTarget), http.StatusUnavailableForLegalReasons, "target host is blocked"},
		{fmt.Errorf("resolve: %w", model.ErrForbiddenTarget), http.StatusForbidden, "target is not allowed"},
		{fmt.Errorf("fetch: %w", model.ErrUpstreamTimeout), http.StatusBadGateway, "upstream timed out"},
		{fmt.Errorf("fetch: %w", model.ErrTooManyRedirects), http.StatusBadGateway, "too many redirects"},
		{fmt.Errorf("fetch: %w", model.ErrUpstreamUnreachable), http.StatusBadGateway, "upstream unreachable"},
		{model.ErrAuthInvalid, http.StatusUnauthorized, "invalid credentials"},
		{fmt.Errorf("fetch: %w", context.Canceled), http.StatusBadGateway, "client disconnected"},
		{errors.New("something else"), http.StatusBadGateway, "upstream request failed"},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tt := range tests {
		t.Run(tt.wantMsg, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody), rec)

			if err := mapError(c, logger, tt.err); err != nil {
				t.Fatalf("mapError() error = %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantMsg {
				t.Errorf("error = %q, want %q", body["error"], tt.wantMsg)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "query redacted",
			in:   `fetch example.com: upstream unreachable: Get "https://example.com/login?session=abc&x=1": EOF`,
			want: `fetch example.com: upstream unreachable: Get "https://example.com/login?[REDACTED]": EOF`,
		},
		{
			name: "websocket url",
			in:   `dial wss://chat.example.com/socket?token=t failed`,
			want: `dial wss://chat.example.com/socket?[REDACTED] failed`,
		},
		{
			name: "no query untouched",
			in:   `Get "https://example.com/": timeout`,
			want: `Get "https://example.com/": timeout`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeError(errors.New(tt.in)); got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHostOnly(t *testing.T) {
	tests := map[string]string{
		"proxy.local:8080": "proxy.local",
		"proxy.local":      "proxy.local",
		"[::1]:8080":       "::1",
		"127.0.0.1:80":     "127.0.0.1",
	}
	for in, want := range tests {
		if got := hostOnly(in); got != want {
			t.Errorf("hostOnly(%q) = %q, want %q", in, got, want)
		}
	}
}

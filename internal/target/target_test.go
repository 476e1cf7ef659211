package target

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"browse-proxy-go/internal/config"
	"browse-proxy-go/internal/metrics"
	"browse-proxy-go/internal/model"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		mode       Mode
		wantURL    string
		wantHost   string
		wantPort   string
		wantOrigin string
	}{
		{"absolute https", "https://example.com/a?b=c", ModeHTTP, "https://example.com/a?b=c", "example.com", "443", "https://example.com"},
		{"absolute http with port", "http://Example.COM:8081/x", ModeHTTP, "http://example.com:8081/x", "example.com", "8081", "http://example.com:8081"},
		{"bare host", "duckduckgo.com", ModeHTTP, "https://duckduckgo.com", "duckduckgo.com", "443", "https://duckduckgo.com"},
		{"bare host with path", "example.com/search?q=go", ModeHTTP, "https://example.com/search?q=go", "example.com", "443", "https://example.com"},
		{"bare host with port", "localhost:8080", ModeHTTP, "https://localhost:8080", "localhost", "8080", "https://localhost:8080"},
		{"protocol relative", "//cdn.example.com/lib.js", ModeHTTP, "https://cdn.example.com/lib.js", "cdn.example.com", "443", "https://cdn.example.com"},
		{"fragment dropped", "https://example.com/page#top", ModeHTTP, "https://example.com/page", "example.com", "443", "https://example.com"},
		{"ipv6 literal", "http://[::1]:9000/", ModeHTTP, "http://[::1]:9000/", "::1", "9000", "http://[::1]:9000"},
		{"tunnel wss", "wss://chat.example.com/socket", ModeTunnel, "wss://chat.example.com/socket", "chat.example.com", "443", "wss://chat.example.com"},
		{"tunnel bare host", "chat.example.com/socket", ModeTunnel, "wss://chat.example.com/socket", "chat.example.com", "443", "wss://chat.example.com"},
		{"tunnel ws", "ws://127.0.0.1:7000", ModeTunnel, "ws://127.0.0.1:7000", "127.0.0.1", "7000", "ws://127.0.0.1:7000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse(tt.raw, tt.mode)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.raw, err)
			}
			if got := d.String(); got != tt.wantURL {
				t.Errorf("URL = %q, want %q", got, tt.wantURL)
			}
			if d.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", d.Host, tt.wantHost)
			}
			if d.Port != tt.wantPort {
				t.Errorf("Port = %q, want %q", d.Port, tt.wantPort)
			}
			if d.Origin != tt.wantOrigin {
				t.Errorf("Origin = %q, want %q", d.Origin, tt.wantOrigin)
			}
			if d.Valid {
				t.Error("Parse must not mark a descriptor valid before policy")
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		mode Mode
	}{
		{"empty", "", ModeHTTP},
		{"spaces", "not a url", ModeHTTP},
		{"ftp scheme", "ftp://example.com/file", ModeHTTP},
		{"javascript", "javascript:alert(1)", ModeHTTP},
		{"ws on http entry", "ws://example.com/", ModeHTTP},
		{"https on tunnel entry", "https://example.com/", ModeTunnel},
		{"bad host chars", "https://exa$mple.com/", ModeHTTP},
		{"userinfo without scheme", "user:pw@example.com", ModeHTTP},
		{"space in host with scheme", "http://bad host/", ModeHTTP},
		{"space in https host", "https://exa mple.com/x", ModeHTTP},
		{"space in ws host", "ws://bad host/", ModeTunnel},
		{"scheme without slashes", "ftp:/x y", ModeHTTP},
		{"empty port after retry", "example.com:/x", ModeHTTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw, tt.mode)
			if !errors.Is(err, model.ErrInvalidTarget) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidTarget", tt.raw, err)
			}
		})
	}
}

func newTestResolver(allowed, blocked []string) (*Resolver, *metrics.Metrics) {
	cfg := &config.Config{Policy: config.PolicyConfig{AllowedHosts: allowed, BlockedHosts: blocked}}
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(cfg, logger, m), m
}

func TestResolver_Policy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		blocked []string
		raw     string
		wantErr error
	}{
		{"no lists allows everything", nil, nil, "https://anything.example", nil},
		{"exact allow", []string{"example.com"}, nil, "https://example.com/x", nil},
		{"glob allow", []string{"*.example.com"}, nil, "https://cdn.example.com/x", nil},
		{"glob does not cover apex", []string{"*.example.com"}, nil, "https://example.com/", model.ErrForbiddenTarget},
		{"unlisted host fails closed", []string{"example.com"}, nil, "https://other.org/?q=1", model.ErrForbiddenTarget},
		{"unlisted host any path", []string{"example.com"}, nil, "https://other.org/deep/path", model.ErrForbiddenTarget},
		{"deny wins over allow", []string{"*.example.com"}, []string{"ads.example.com"}, "https://ads.example.com/", model.ErrBlockedTarget},
		{"deny glob", nil, []string{"*.tracker.net"}, "http://a.tracker.net/", model.ErrBlockedTarget},
		{"deny cidr on literal", nil, []string{"10.0.0.0/8"}, "http://10.1.2.3/", model.ErrForbiddenTarget},
		{"deny ip literal", nil, []string{"127.0.0.1"}, "http://127.0.0.1:8080/", model.ErrForbiddenTarget},
		{"allow cidr", []string{"192.0.2.0/24"}, nil, "http://192.0.2.10/", nil},
		{"allow cidr miss", []string{"192.0.2.0/24"}, nil, "http://198.51.100.1/", model.ErrForbiddenTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestResolver(tt.allowed, tt.blocked)
			d, err := r.Resolve(tt.raw, ModeHTTP)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Resolve(%q) error = %v", tt.raw, err)
				}
				if !d.Valid {
					t.Error("resolved descriptor should be valid")
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve(%q) error = %v, want %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestResolver_BlockedIPIsNotBlockedHost(t *testing.T) {
	r, _ := newTestResolver(nil, []string{"10.0.0.0/8"})
	_, err := r.Resolve("http://10.0.0.1/", ModeHTTP)
	if errors.Is(err, model.ErrBlockedTarget) {
		t.Errorf("CIDR denial should be a plain forbidden target, got %v", err)
	}
	if got := DenialReason(err); got != "blocked_ip" {
		t.Errorf("DenialReason() = %q, want blocked_ip", got)
	}
}

func TestPolicy_CheckIP(t *testing.T) {
	p := NewPolicy(&config.Config{Policy: config.PolicyConfig{BlockedHosts: []string{"169.254.0.0/16", "::1"}}})

	if err := p.CheckIP(netip.MustParseAddr("169.254.169.254")); !errors.Is(err, model.ErrForbiddenTarget) {
		t.Errorf("CheckIP(metadata) error = %v, want ErrForbiddenTarget", err)
	}
	if err := p.CheckIP(netip.MustParseAddr("::ffff:169.254.1.1")); err == nil {
		t.Error("CheckIP should unmap IPv4-mapped addresses")
	}
	if err := p.CheckIP(netip.MustParseAddr("::1")); err == nil {
		t.Error("CheckIP(::1) should be denied")
	}
	if err := p.CheckIP(netip.MustParseAddr("93.184.216.34")); err != nil {
		t.Errorf("CheckIP(public) error = %v", err)
	}
}

func TestResolver_CountsDenials(t *testing.T) {
	r, m := newTestResolver([]string{"example.com"}, []string{"bad.example"})
	_, _ = r.Resolve("https://bad.example/", ModeHTTP)
	_, _ = r.Resolve("https://other.example/", ModeHTTP)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	got := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "browse_proxy_policy_denials_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				got[lp.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	if got["blocked_host"] != 1 || got["not_allowed"] != 1 {
		t.Errorf("denials = %v, want blocked_host=1 not_allowed=1", got)
	}
}

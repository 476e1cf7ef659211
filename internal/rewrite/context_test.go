package rewrite

import (
	"net/url"
	"testing"
)

func newTestContext(t *testing.T, target string) *Context {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatal(err)
	}
	return NewContext(u, "http://localhost:8080", "/proxy", "/tunnel")
}

func TestNewContext_Prefixes(t *testing.T) {
	tests := []struct {
		proxyOrigin string
		wantProxy   string
		wantTunnel  string
	}{
		{"http://localhost:8080", "http://localhost:8080/proxy", "ws://localhost:8080/tunnel"},
		{"https://proxy.example/", "https://proxy.example/proxy", "wss://proxy.example/tunnel"},
	}

	target, _ := url.Parse("https://news.example.org:8443/a/b.html")
	for _, tt := range tests {
		t.Run(tt.proxyOrigin, func(t *testing.T) {
			rc := NewContext(target, tt.proxyOrigin, "/proxy", "/tunnel")
			if rc.ProxyPrefix != tt.wantProxy {
				t.Errorf("ProxyPrefix = %q, want %q", rc.ProxyPrefix, tt.wantProxy)
			}
			if rc.TunnelPrefix != tt.wantTunnel {
				t.Errorf("TunnelPrefix = %q, want %q", rc.TunnelPrefix, tt.wantTunnel)
			}
			if rc.TargetOrigin != "https://news.example.org:8443" {
				t.Errorf("TargetOrigin = %q", rc.TargetOrigin)
			}
		})
	}
}

func TestContext_Rewrite(t *testing.T) {
	rc := newTestContext(t, "https://example.com/docs/page.html")

	tests := []struct {
		name   string
		ref    string
		want   string
		wantOK bool
	}{
		{"relative", "img/logo.png", "https://example.com/docs/img/logo.png", true},
		{"root relative", "/app.js", "https://example.com/app.js", true},
		{"parent", "../index.html", "https://example.com/index.html", true},
		{"protocol relative", "//cdn.example.net/x.css", "https://cdn.example.net/x.css", true},
		{"absolute other host", "http://other.org/a?b=1&c=2", "http://other.org/a?b=1&c=2", true},
		{"query only", "?page=2", "https://example.com/docs/page.html?page=2", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := rc.Rewrite(tt.ref, nil)
			if ok != tt.wantOK {
				t.Fatalf("Rewrite(%q) ok = %v, want %v", tt.ref, ok, tt.wantOK)
			}
			want := rc.Wrap(tt.want)
			if got != want {
				t.Errorf("Rewrite(%q) = %q, want %q", tt.ref, got, want)
			}
		})
	}
}

func TestContext_Rewrite_Untouched(t *testing.T) {
	rc := newTestContext(t, "https://example.com/")
	already := rc.Wrap("https://example.com/x")

	refs := []string{
		"",
		"   ",
		"#section",
		"javascript:void(0)",
		"JavaScript:alert(1)",
		"mailto:someone@example.com",
		"tel:+123",
		"data:image/png;base64,AAAA",
		"blob:https://example.com/uuid",
		"about:blank",
		already,
		rc.TunnelPrefix + "?url=wss%3A%2F%2Fexample.com",
		"ftp://files.example.com/a",
		"http://[::1",
	}

	for _, ref := range refs {
		t.Run(ref, func(t *testing.T) {
			got, ok := rc.Rewrite(ref, nil)
			if ok {
				t.Errorf("Rewrite(%q) should leave reference untouched, got %q", ref, got)
			}
			if got != ref {
				t.Errorf("Rewrite(%q) = %q, want input unchanged", ref, got)
			}
		})
	}
}

func TestContext_RoundTrip(t *testing.T) {
	rc := newTestContext(t, "https://example.com/dir/")
	refs := []string{
		"a b.png",
		"/search?q=go+lang&lang=en",
		"https://other.example/path;param?x=%2F#frag",
		"résumé.pdf",
	}

	for _, ref := range refs {
		t.Run(ref, func(t *testing.T) {
			proxied, ok := rc.Rewrite(ref, nil)
			if !ok {
				t.Fatalf("Rewrite(%q) not rewritten", ref)
			}
			pu, err := url.Parse(proxied)
			if err != nil {
				t.Fatalf("proxied URL does not parse: %v", err)
			}
			if got := pu.Scheme + "://" + pu.Host + pu.Path; got != rc.ProxyPrefix {
				t.Errorf("proxied URL points at %q, want %q", got, rc.ProxyPrefix)
			}
			want, _ := rc.TargetURL.Parse(ref)
			if got := pu.Query().Get("url"); got != want.String() {
				t.Errorf("url param = %q, want %q", got, want.String())
			}
		})
	}
}

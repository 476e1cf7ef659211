// Package target parses requested URLs into target descriptors and applies
// the configured host policy before any upstream connection is made.
package target

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"browse-proxy-go/internal/model"
)

// Mode selects which schemes a target may use.
type Mode int

const (
	// ModeHTTP accepts http and https targets.
	ModeHTTP Mode = iota
	// ModeTunnel accepts ws and wss targets.
	ModeTunnel
)

func (m Mode) schemes() (allowed map[string]string, fallback string) {
	if m == ModeTunnel {
		return map[string]string{"ws": "80", "wss": "443"}, "wss://"
	}
	return map[string]string{"http": "80", "https": "443"}, "https://"
}

// Descriptor is a resolved, immutable view of a requested target.
type Descriptor struct {
	Scheme string
	Host   string // host name or IP literal, lowercase, no port
	Port   string // explicit port, or the scheme default
	Path   string
	Query  string
	Origin string // scheme://host[:port] as written
	URL    *url.URL
	// Valid is set once parsing and policy both succeed.
	Valid bool
}

// String returns the absolute target URL.
func (d *Descriptor) String() string {
	return d.URL.String()
}

// Parse turns raw into a Descriptor without consulting policy. Input that is
// not an absolute URL is retried once with the mode's default scheme, so a
// bare "example.com" becomes "https://example.com".
func Parse(raw string, mode Mode) (*Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", model.ErrInvalidTarget)
	}
	allowed, fallback := mode.schemes()

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" && u.Host != "" {
		if _, ok := allowed[strings.ToLower(u.Scheme)]; !ok {
			return nil, fmt.Errorf("%w: unsupported scheme %q", model.ErrInvalidTarget, u.Scheme)
		}
	} else {
		if hasSchemePrefix(raw) {
			return nil, fmt.Errorf("%w: %q is not a url", model.ErrInvalidTarget, raw)
		}
		retry := fallback + raw
		if strings.HasPrefix(raw, "//") {
			retry = strings.TrimSuffix(fallback, "//") + raw
		}
		u, err = url.Parse(retry)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a url", model.ErrInvalidTarget, raw)
		}
		if u.User != nil || strings.HasSuffix(u.Host, ":") || isSchemeName(u.Hostname()) {
			return nil, fmt.Errorf("%w: %q is not a url", model.ErrInvalidTarget, raw)
		}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if !validHost(host) {
		return nil, fmt.Errorf("%w: invalid host in %q", model.ErrInvalidTarget, raw)
	}
	port := u.Port()
	if port == "" {
		port = allowed[u.Scheme]
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	return &Descriptor{
		Scheme: u.Scheme,
		Host:   host,
		Port:   port,
		Path:   u.EscapedPath(),
		Query:  u.RawQuery,
		Origin: u.Scheme + "://" + u.Host,
		URL:    u,
	}, nil
}

// hasSchemePrefix reports whether raw starts with "scheme://". Such input is
// never retried with a default scheme.
func hasSchemePrefix(raw string) bool {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return false
	}
	for j, r := range raw[:i] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case j > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

// isSchemeName catches retried input such as "ftp:/x" whose scheme ended up
// as the host.
func isSchemeName(host string) bool {
	switch strings.ToLower(host) {
	case "http", "https", "ws", "wss", "ftp", "file", "javascript", "data", "mailto":
		return true
	}
	return false
}

// validHost accepts IP literals and DNS-style names.
func validHost(h string) bool {
	if h == "" {
		return false
	}
	if net.ParseIP(h) != nil {
		return true
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}

// Package rewrite turns upstream references in HTML, CSS and cookies into
// references that route back through the proxy.
package rewrite

import (
	"net/url"
	"strings"
)

// Context carries the values every rewriter needs for one response. It is
// built once per request and never mutated afterwards.
type Context struct {
	// TargetURL is the final upstream page URL; relative references
	// resolve against it.
	TargetURL *url.URL
	// TargetOrigin is scheme://host[:port] of TargetURL.
	TargetOrigin string
	// ProxyOrigin is scheme://host[:port] of the proxy as the client sees it.
	ProxyOrigin string
	// ProxyPrefix is the absolute HTTP entry point, e.g. http://localhost:8080/proxy.
	ProxyPrefix string
	// TunnelPrefix is the absolute WebSocket entry point, e.g. ws://localhost:8080/tunnel.
	TunnelPrefix string
}

// NewContext builds a Context. Prefixes are absolute because the injected
// <base> points at the target origin, so relative proxy links would resolve
// against the upstream site.
func NewContext(targetURL *url.URL, proxyOrigin, proxyPath, tunnelPath string) *Context {
	proxyOrigin = strings.TrimSuffix(proxyOrigin, "/")
	tunnelOrigin := proxyOrigin
	switch {
	case strings.HasPrefix(proxyOrigin, "https://"):
		tunnelOrigin = "wss://" + strings.TrimPrefix(proxyOrigin, "https://")
	case strings.HasPrefix(proxyOrigin, "http://"):
		tunnelOrigin = "ws://" + strings.TrimPrefix(proxyOrigin, "http://")
	}
	return &Context{
		TargetURL:    targetURL,
		TargetOrigin: targetURL.Scheme + "://" + targetURL.Host,
		ProxyOrigin:  proxyOrigin,
		ProxyPrefix:  proxyOrigin + proxyPath,
		TunnelPrefix: tunnelOrigin + tunnelPath,
	}
}

// Wrap returns the proxied form of an absolute URL.
func (c *Context) Wrap(abs string) string {
	return c.ProxyPrefix + "?url=" + url.QueryEscape(abs)
}

// skippedSchemes are references that must never be routed through the proxy.
var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:", "blob:", "about:"}

// Rewrite resolves ref against base and returns its proxied form. The second
// result is false when ref is left untouched: empty, fragment-only,
// non-network schemes, already proxied, or unparseable.
func (c *Context) Rewrite(ref string, base *url.URL) (string, bool) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ref, false
	}
	lower := strings.ToLower(trimmed)
	for _, s := range skippedSchemes {
		if strings.HasPrefix(lower, s) {
			return ref, false
		}
	}
	if c.isProxied(trimmed) {
		return ref, false
	}
	if base == nil {
		base = c.TargetURL
	}
	resolved, err := base.Parse(trimmed)
	if err != nil {
		return ref, false
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ref, false
	}
	abs := resolved.String()
	if c.isProxied(abs) {
		return ref, false
	}
	return c.Wrap(abs), true
}

func (c *Context) isProxied(ref string) bool {
	return strings.HasPrefix(ref, c.ProxyPrefix+"?") || strings.HasPrefix(ref, c.TunnelPrefix+"?")
}

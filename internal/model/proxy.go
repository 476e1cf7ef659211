// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is one inbound request for the proxy entry point.
type ProxyRequest struct {
	Ctx context.Context
	// RawTarget is the unparsed url query parameter.
	RawTarget string
	// Header carries the inbound request headers; only a fixed subset is
	// forwarded upstream.
	Header http.Header
	// ProxyOrigin is scheme://host of the proxy as seen by the client.
	ProxyOrigin string
	// ProxyHost is the proxy's own host name without port, used for cookies.
	ProxyHost string
}

// UpstreamResponse is the raw upstream answer before any transformation.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// FinalURL is the URL that produced this response after redirects.
	FinalURL *url.URL
}

// ProxyResponse is the transformed response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

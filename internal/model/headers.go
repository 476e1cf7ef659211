package model

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are meaningful only for a single transport leg and are
// never copied by the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

var hopByHopSet = func() map[string]bool {
	m := make(map[string]bool, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		m[http.CanonicalHeaderKey(h)] = true
	}
	return m
}()

// IsHopByHop reports whether the header name is in the fixed hop-by-hop set.
func IsHopByHop(name string) bool {
	return hopByHopSet[http.CanonicalHeaderKey(name)]
}

// StripHopByHop removes the fixed hop-by-hop headers and any header named in
// a Connection token from h, in place.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// CopyEndToEnd appends every end-to-end header of src onto dst, preserving
// duplicate values.
func CopyEndToEnd(dst, src http.Header) {
	connTokens := make(map[string]bool)
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				connTokens[http.CanonicalHeaderKey(token)] = true
			}
		}
	}
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if hopByHopSet[ck] || connTokens[ck] {
			continue
		}
		for _, v := range vals {
			dst.Add(ck, v)
		}
	}
}

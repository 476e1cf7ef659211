// Package service implements the proxy request pipeline.
package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"browse-proxy-go/internal/byterange"
	"browse-proxy-go/internal/config"
	"browse-proxy-go/internal/metrics"
	"browse-proxy-go/internal/model"
	"browse-proxy-go/internal/rewrite"
	"browse-proxy-go/internal/target"
)

// Stage names in execution order.
const (
	StageResolve   = "resolve"
	StageFetch     = "fetch"
	StageHeaders   = "headers"
	StageClassify  = "classify"
	StageTransform = "transform"
	StageRange     = "range"
)

// sniffBytes is how much of an untyped body is peeked for classification.
const sniffBytes = 512

// securityHeaders are dropped from upstream responses when
// rewrite.strip_security_headers is enabled.
var securityHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
	"Strict-Transport-Security",
	"Cross-Origin-Opener-Policy",
	"Cross-Origin-Embedder-Policy",
	"Cross-Origin-Resource-Policy",
}

// Fetcher performs the upstream GET for a resolved target.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL, inbound http.Header) (*model.UpstreamResponse, error)
}

// exchange is the per-request state handed from stage to stage.
type exchange struct {
	req      *model.ProxyRequest
	target   *target.Descriptor
	upstream *model.UpstreamResponse
	rc       *rewrite.Context
	resp     *model.ProxyResponse

	kind        rewrite.Kind
	contentType string
	// buffered holds the complete outbound body when it was read into
	// memory; nil on the streaming path.
	buffered []byte
	// rangeHeader is the inbound single range that was forwarded upstream;
	// empty when the client sent none or it was dropped as unsupported.
	rangeHeader string
}

type stage struct {
	name string
	run  func(*exchange) error
}

// ProxyService runs proxy requests through an ordered list of named stages.
type ProxyService struct {
	fetcher  Fetcher
	resolver *target.Resolver
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	stages   []stage
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(f Fetcher, resolver *target.Resolver, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	s := &ProxyService{
		fetcher:  f,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}
	s.stages = []stage{
		{StageResolve, s.resolve},
		{StageFetch, s.fetch},
		{StageHeaders, s.headers},
		{StageClassify, s.classify},
		{StageTransform, s.transform},
		{StageRange, s.byteRange},
	}
	return s
}

// Stages returns the stage names in the order they run.
func (s *ProxyService) Stages() []string {
	names := make([]string, len(s.stages))
	for i, st := range s.stages {
		names[i] = st.name
	}
	return names
}

// Forward runs pr through every stage. The caller must close the returned
// body; closing it aborts the upstream transfer when still streaming.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	x := &exchange{req: pr}
	for _, st := range s.stages {
		if err := st.run(x); err != nil {
			if x.resp != nil {
				_ = x.resp.Body.Close()
			} else if x.upstream != nil {
				_ = x.upstream.Body.Close()
			}
			return nil, fmt.Errorf("%s: %w", st.name, err)
		}
	}
	return x.resp, nil
}

func (s *ProxyService) resolve(x *exchange) error {
	d, err := s.resolver.Resolve(x.req.RawTarget, target.ModeHTTP)
	if err != nil {
		return err
	}
	x.target = d
	return nil
}

func (s *ProxyService) fetch(x *exchange) error {
	if x.target == nil || !x.target.Valid {
		return fmt.Errorf("%w: target not resolved", model.ErrForbiddenTarget)
	}
	s.logger.Debug("forwarding request", "host", x.target.Host, "path", x.target.Path)

	up, err := s.fetcher.Fetch(x.req.Ctx, x.target.URL, s.forwardedHeader(x))
	if err != nil {
		return err
	}
	if up.FinalURL == nil {
		up.FinalURL = x.target.URL
	}
	x.upstream = up
	return nil
}

// forwardedHeader returns the inbound header to hand to the fetcher. A
// Range that is not a single byte range is dropped so the full resource is
// fetched and served.
func (s *ProxyService) forwardedHeader(x *exchange) http.Header {
	inbound := x.req.Header
	raw := inbound.Get("Range")
	if raw == "" {
		return inbound
	}
	if _, err := byterange.ParseSpec(raw); err != nil {
		s.logger.Warn("range ignored, fetching full body",
			"host", x.target.Host, "range", raw, "error", err)
		inbound = inbound.Clone()
		inbound.Del("Range")
		return inbound
	}
	x.rangeHeader = raw
	return inbound
}

// headers copies end-to-end upstream headers outward, rescoping cookies and
// routing redirects back through the proxy.
func (s *ProxyService) headers(x *exchange) error {
	up := x.upstream
	x.rc = rewrite.NewContext(up.FinalURL, x.req.ProxyOrigin, s.cfg.Proxy.Path, s.cfg.Proxy.TunnelPath)

	h := make(http.Header)
	model.CopyEndToEnd(h, up.Header)

	h.Del("Set-Cookie")
	for _, line := range up.Header.Values("Set-Cookie") {
		rewritten, err := rewrite.RewriteSetCookie(line, x.req.ProxyHost)
		if err != nil {
			s.logger.Warn("cookie passed through unchanged", "error", err)
		}
		h.Add("Set-Cookie", rewritten)
	}

	if loc := h.Get("Location"); loc != "" {
		if proxied, ok := x.rc.Rewrite(loc, up.FinalURL); ok {
			h.Set("Location", proxied)
		}
	}

	if s.cfg.Rewrite.StripSecurityHeadersEnabled() {
		for _, name := range securityHeaders {
			h.Del(name)
		}
	}

	x.resp = &model.ProxyResponse{StatusCode: up.StatusCode, Header: h, Body: up.Body}
	return nil
}

func (s *ProxyService) classify(x *exchange) error {
	switch x.resp.StatusCode {
	case http.StatusPartialContent, http.StatusNoContent, http.StatusNotModified:
		x.kind = rewrite.KindBinary
		return nil
	}

	declared := x.resp.Header.Get("Content-Type")
	var peek []byte
	if declared == "" {
		br := bufio.NewReaderSize(x.resp.Body, sniffBytes)
		peek, _ = br.Peek(sniffBytes)
		x.resp.Body = readCloser{Reader: br, Closer: x.resp.Body}
	}

	x.kind, x.contentType = rewrite.Classify(declared, x.upstream.FinalURL.Path, peek)
	if declared == "" && x.contentType != "" {
		x.resp.Header.Set("Content-Type", x.contentType)
	}
	return nil
}

// transform buffers HTML and CSS bodies and rewrites them. Bodies over
// proxy.max_rewrite_bytes, and bodies that fail to decode or parse, are
// emitted unmodified.
func (s *ProxyService) transform(x *exchange) error {
	if x.kind == rewrite.KindBinary {
		return nil
	}

	body := x.resp.Body
	src := io.Reader(body)
	limit := s.cfg.Proxy.MaxRewriteBytes
	if limit > 0 {
		src = io.LimitReader(body, limit+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return readError(err)
	}

	if limit > 0 && int64(len(data)) > limit {
		s.logger.Info("body exceeds rewrite limit, streaming unmodified",
			"host", x.target.Host, "limit", limit)
		s.recordRewrite(x.kind, "oversized")
		x.resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), body), Closer: body}
		return nil
	}
	_ = body.Close()

	out, err := s.rewriteBody(x, data)
	if err != nil {
		s.logger.Warn("rewrite failed, emitting original body",
			"host", x.target.Host, "kind", x.kind.String(), "error", err)
		s.recordRewrite(x.kind, "failed")
		x.setBuffered(data)
		return nil
	}

	s.recordRewrite(x.kind, "rewritten")
	h := x.resp.Header
	h.Del("Content-Encoding")
	if x.kind == rewrite.KindHTML {
		h.Set("Content-Type", "text/html; charset=utf-8")
	} else {
		h.Set("Content-Type", "text/css; charset=utf-8")
	}
	x.setBuffered(out)
	return nil
}

func (s *ProxyService) rewriteBody(x *exchange, data []byte) ([]byte, error) {
	decoded, err := rewrite.Decompress(data, x.resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	text, err := rewrite.ToUTF8(decoded, x.contentType)
	if err != nil {
		return nil, err
	}
	if x.kind == rewrite.KindCSS {
		return []byte(rewrite.RewriteCSS(string(text), nil, x.rc)), nil
	}
	return rewrite.RewriteHTML(text, x.rc, rewrite.HTMLOptions{
		StripIntegrity: s.cfg.Rewrite.StripIntegrityEnabled(),
		StripCSP:       s.cfg.Rewrite.StripSecurityHeadersEnabled(),
		Toolbar:        s.cfg.Rewrite.Toolbar,
	})
}

// byteRange relays upstream partial content as is and slices buffered
// bodies itself when upstream ignored the Range header.
func (s *ProxyService) byteRange(x *exchange) error {
	header := x.rangeHeader
	if header == "" || x.resp.StatusCode != http.StatusOK || x.buffered == nil {
		return nil
	}

	slice, err := byterange.Apply(x.buffered, header)
	if err != nil {
		s.logger.Warn("range ignored, serving full body", "range", header, "error", err)
		return nil
	}

	x.resp.StatusCode = slice.Status
	x.resp.Header.Set("Content-Range", slice.ContentRange)
	x.resp.Header.Set("Accept-Ranges", "bytes")
	x.setBuffered(slice.Body)
	return nil
}

func (s *ProxyService) recordRewrite(kind rewrite.Kind, result string) {
	if s.metrics != nil {
		s.metrics.RewritesTotal.WithLabelValues(kind.String(), result).Inc()
	}
}

func (x *exchange) setBuffered(b []byte) {
	x.buffered = b
	x.resp.Body = io.NopCloser(bytes.NewReader(b))
	x.resp.Header.Set("Content-Length", strconv.Itoa(len(b)))
}

// readError keeps timeout errors from the upstream body intact and treats
// any other read failure as the upstream going away.
func readError(err error) error {
	if errors.Is(err, model.ErrUpstreamTimeout) || errors.Is(err, model.ErrUpstreamUnreachable) {
		return fmt.Errorf("read body: %w", err)
	}
	return fmt.Errorf("read body: %w: %v", model.ErrUpstreamUnreachable, err)
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Package client provides the upstream HTTP fetcher used by the proxy.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"browse-proxy-go/internal/config"
	"browse-proxy-go/internal/metrics"
	"browse-proxy-go/internal/model"
	"browse-proxy-go/internal/target"
)

// forwardableRequestHeaders are the only inbound headers sent upstream.
// User-Agent is handled separately because it has a default.
var forwardableRequestHeaders = []string{
	"Accept",
	"Range",
}

// UpstreamClient fetches targets on behalf of proxied clients.
type UpstreamClient struct {
	resty       *resty.Client
	resolver    *target.Resolver
	logger      *slog.Logger
	metrics     *metrics.Metrics
	userAgent   string
	idleTimeout time.Duration
}

// NewDialer returns a dialer that refuses denied addresses after DNS
// resolution, so a permitted name cannot be pointed at a blocked network.
func NewDialer(cfg *config.Config, policy *target.Policy) *net.Dialer {
	return &net.Dialer{
		Timeout:   cfg.Upstream.ConnectTimeout(),
		KeepAlive: 30 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return nil
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return nil
			}
			return policy.CheckIP(addr)
		},
	}
}

// NewUpstreamClient creates an UpstreamClient with connection pooling,
// connect and idle timeouts, and a redirect policy that re-checks every hop.
// The metrics parameter is optional; pass nil to disable upstream metrics.
func NewUpstreamClient(cfg *config.Config, resolver *target.Resolver, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	dialer := NewDialer(cfg, resolver.Policy())
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.Upstream.ConnectTimeout(),
		ResponseHeaderTimeout: cfg.Upstream.IdleTimeout(),
		ExpectContinueTimeout: time.Second,
	}

	logger = logger.With("component", "upstream_client")
	c := &UpstreamClient{
		resolver:    resolver,
		logger:      logger,
		metrics:     m,
		userAgent:   cfg.Proxy.UserAgent,
		idleTimeout: cfg.Upstream.IdleTimeout(),
	}
	if c.userAgent == "" {
		c.userAgent = config.DefaultUserAgent
	}

	maxRedirects := cfg.Proxy.MaxRedirects
	c.resty = resty.NewWithClient(&http.Client{Transport: transport}).
		SetLogger(restyLogger{logger}).
		SetRetryCount(0).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: limit is %d", model.ErrTooManyRedirects, maxRedirects)
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("%w: redirect to unsupported scheme %q", model.ErrUpstreamUnreachable, req.URL.Scheme)
			}
			return resolver.Policy().Check(req.URL.Hostname())
		}))

	return c
}

// Fetch performs a GET against u, forwarding only Accept, Range and
// User-Agent from inbound. Redirects are followed. The caller must close the
// returned body; closing it, or canceling ctx, aborts the upstream transfer.
func (c *UpstreamClient) Fetch(ctx context.Context, u *url.URL, inbound http.Header) (*model.UpstreamResponse, error) {
	ctx, cancel := context.WithCancel(ctx)

	req := c.resty.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("User-Agent", c.userAgent)
	if ua := inbound.Get("User-Agent"); ua != "" {
		req.SetHeader("User-Agent", ua)
	}
	for _, key := range forwardableRequestHeaders {
		if v := inbound.Get(key); v != "" {
			req.SetHeader(key, v)
		}
	}

	c.logger.Debug("upstream request", "host", u.Host, "path", u.Path)

	start := time.Now()
	resp, err := req.Get(u.String())
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
	}

	if err != nil {
		if resp != nil && resp.RawResponse != nil {
			_ = resp.RawBody().Close()
		}
		cancel()
		return nil, c.classify(u, err)
	}

	raw := resp.RawResponse
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, strconv.Itoa(raw.StatusCode)).Inc()
	}

	finalURL := u
	if raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL
	}

	return &model.UpstreamResponse{
		StatusCode: raw.StatusCode,
		Header:     raw.Header,
		Body:       newIdleTimeoutBody(raw.Body, c.idleTimeout, cancel),
		FinalURL:   finalURL,
	}, nil
}

// classify maps transport failures onto the proxy error taxonomy. Policy
// errors raised during redirects or dialing keep their identity.
func (c *UpstreamClient) classify(u *url.URL, err error) error {
	if errors.Is(err, model.ErrForbiddenTarget) {
		c.resolver.Deny(u.Hostname(), err)
		return fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	if errors.Is(err, model.ErrUpstreamUnreachable) {
		return fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("fetch %s: %w: %v", u.Host, model.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("fetch %s: %w: %v", u.Host, model.ErrUpstreamUnreachable, err)
}

// restyLogger routes resty's printf-style logging into slog.
type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...interface{}) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...interface{})  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...interface{}) { r.l.Debug(fmt.Sprintf(format, v...)) }

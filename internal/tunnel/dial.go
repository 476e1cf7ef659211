package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"browse-proxy-go/internal/client"
	"browse-proxy-go/internal/config"
	"browse-proxy-go/internal/metrics"
	"browse-proxy-go/internal/model"
	"browse-proxy-go/internal/target"
)

// forwardedHandshakeHeaders are copied from the client's upgrade request.
// Upgrade, Connection and Origin are regenerated for the upstream leg.
var forwardedHandshakeHeaders = []string{
	"Sec-WebSocket-Key",
	"Sec-WebSocket-Version",
	"Sec-WebSocket-Protocol",
	"Sec-WebSocket-Extensions",
}

// Dialer opens tunnel sessions to policy-checked upstream targets.
type Dialer struct {
	resolver  *target.Resolver
	dialer    *net.Dialer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	userAgent string
	timeout   time.Duration
	idle      time.Duration
	bufSize   int
}

// NewDialer creates a Dialer. The metrics parameter is optional.
func NewDialer(cfg *config.Config, resolver *target.Resolver, logger *slog.Logger, m *metrics.Metrics) *Dialer {
	ua := cfg.Proxy.UserAgent
	if ua == "" {
		ua = config.DefaultUserAgent
	}
	bufSize := cfg.Tunnel.BufferBytes
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	return &Dialer{
		resolver:  resolver,
		dialer:    client.NewDialer(cfg, resolver.Policy()),
		logger:    logger.With("component", "tunnel"),
		metrics:   m,
		userAgent: ua,
		timeout:   cfg.Upstream.ConnectTimeout(),
		idle:      cfg.Tunnel.IdleTimeout(),
		bufSize:   bufSize,
	}
}

// Open resolves raw as a ws/wss target, connects to it and completes the
// upstream WebSocket handshake using the client's key. The client
// connection is not touched, so a failure here can still be answered with
// an ordinary HTTP error.
func (d *Dialer) Open(ctx context.Context, raw string, inbound http.Header) (*Session, error) {
	desc, err := d.resolver.Resolve(raw, target.ModeTunnel)
	if err != nil {
		d.record("rejected")
		return nil, err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	conn, err := d.connect(ctx, desc)
	if err != nil {
		d.record("upstream_failed")
		return nil, d.classify(desc, err)
	}

	reader, reply, err := d.handshake(ctx, conn, desc, inbound)
	if err != nil {
		_ = conn.Close()
		d.record("upstream_failed")
		return nil, d.classify(desc, err)
	}

	s := &Session{
		ID:           uuid.NewString(),
		Target:       desc,
		upstream:     conn,
		upstreamRead: reader,
		reply:        reply,
		idle:         d.idle,
		bufSize:      d.bufSize,
		logger:       d.logger,
		metrics:      d.metrics,
	}
	s.state.Store(int32(StateConnecting))
	return s, nil
}

func (d *Dialer) connect(ctx context.Context, desc *target.Descriptor) (net.Conn, error) {
	addr := net.JoinHostPort(desc.Host, desc.Port)
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if desc.Scheme != "wss" {
		return conn, nil
	}

	tc := tls.Client(conn, &tls.Config{ServerName: desc.Host, NextProtos: []string{"http/1.1"}})
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tc, nil
}

// handshake writes the upgrade request and reads the upstream reply. Bytes
// the upstream sent after its 101 stay in the returned reader.
func (d *Dialer) handshake(ctx context.Context, conn net.Conn, desc *target.Descriptor, inbound http.Header) (*bufio.Reader, *http.Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	u := *desc.URL
	u.Scheme = strings.Replace(desc.Scheme, "ws", "http", 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", model.ErrInvalidTarget, err)
	}
	for _, name := range forwardedHandshakeHeaders {
		if v := inbound.Values(name); len(v) > 0 {
			req.Header[name] = v
		}
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Origin", u.Scheme+"://"+u.Host)
	req.Header.Set("User-Agent", d.userAgent)
	if ua := inbound.Get("User-Agent"); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	if err := req.Write(conn); err != nil {
		return nil, nil, err
	}
	reader := bufio.NewReaderSize(conn, d.bufSize)
	reply, err := http.ReadResponse(reader, req)
	if err != nil {
		return nil, nil, err
	}
	if reply.StatusCode != http.StatusSwitchingProtocols ||
		!strings.EqualFold(reply.Header.Get("Upgrade"), "websocket") {
		_ = reply.Body.Close()
		return nil, nil, fmt.Errorf("%w: upstream refused upgrade with status %d", model.ErrUpstreamUnreachable, reply.StatusCode)
	}

	_ = conn.SetDeadline(time.Time{})
	return reader, reply, nil
}

func (d *Dialer) classify(desc *target.Descriptor, err error) error {
	if errors.Is(err, model.ErrForbiddenTarget) {
		d.resolver.Deny(desc.Host, err)
		return fmt.Errorf("tunnel %s: %w", desc.Host, err)
	}
	if errors.Is(err, model.ErrUpstreamUnreachable) || errors.Is(err, model.ErrInvalidTarget) {
		return fmt.Errorf("tunnel %s: %w", desc.Host, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("tunnel %s: %w: %v", desc.Host, model.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("tunnel %s: %w: %v", desc.Host, model.ErrUpstreamUnreachable, err)
}

func (d *Dialer) record(result string) {
	if d.metrics != nil {
		d.metrics.TunnelSessions.WithLabelValues(result).Inc()
	}
}

// Package tunnel relays WebSocket connections between a client and an
// upstream target as opaque bytes.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"browse-proxy-go/internal/metrics"
	"browse-proxy-go/internal/model"
	"browse-proxy-go/internal/target"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is one client/upstream relay. It is owned by the request that
// performed the upgrade and never shared.
type Session struct {
	ID     string
	Target *target.Descriptor

	upstream     net.Conn
	upstreamRead *bufio.Reader
	reply        *http.Response

	client     net.Conn
	clientRead *bufio.Reader

	state     atomic.Int32
	closeOnce sync.Once
	// lastActive is the UnixNano time of the latest read in either
	// direction.
	lastActive atomic.Int64

	idle    time.Duration
	bufSize int
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Attach binds the hijacked client connection and sends it the upstream's
// 101 reply. buffered holds any bytes the server read past the request
// headers; it may be nil.
func (s *Session) Attach(conn net.Conn, buffered *bufio.Reader) error {
	_ = conn.SetDeadline(time.Time{})
	if buffered == nil {
		buffered = bufio.NewReaderSize(conn, s.bufSize)
	}
	s.client = conn
	s.clientRead = buffered

	h := make(http.Header)
	for _, name := range []string{"Sec-WebSocket-Accept", "Sec-WebSocket-Protocol", "Sec-WebSocket-Extensions"} {
		if v := s.reply.Header.Values(name); len(v) > 0 {
			h[name] = v
		}
	}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")

	w := bufio.NewWriter(conn)
	_, _ = w.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	_ = h.Write(w)
	_, _ = w.WriteString("\r\n")
	if err := w.Flush(); err != nil {
		s.Close()
		return fmt.Errorf("%w: write upgrade reply: %v", model.ErrTunnelClosed, err)
	}
	return nil
}

// Run pumps bytes in both directions until either side finishes, then
// closes both. Canceling ctx closes the session. The returned error wraps
// model.ErrTunnelClosed and describes why the first pump stopped.
func (s *Session) Run(ctx context.Context) error {
	if s.client == nil {
		s.Close()
		return fmt.Errorf("%w: client not attached", model.ErrTunnelClosed)
	}
	if !s.transition(StateConnecting, StateOpen) {
		return fmt.Errorf("%w: session is %s", model.ErrTunnelClosed, s.State())
	}
	if s.metrics != nil {
		s.metrics.TunnelsActive.Inc()
		defer s.metrics.TunnelsActive.Dec()
	}
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	start := time.Now()
	s.lastActive.Store(start.UnixNano())
	s.logger.Info("tunnel open", "session", s.ID, "host", s.Target.Host)

	errc := make(chan error, 2)
	go func() { errc <- s.pump(s.upstream, s.client, s.clientRead, metrics.DirectionUpstream) }()
	go func() { errc <- s.pump(s.client, s.upstream, s.upstreamRead, metrics.DirectionClient) }()

	first := <-errc
	s.transition(StateOpen, StateClosing)
	s.Close()
	<-errc
	s.state.Store(int32(StateClosed))

	result := closeResult(first)
	if s.metrics != nil {
		s.metrics.TunnelSessions.WithLabelValues(result).Inc()
	}
	s.logger.Info("tunnel closed",
		"session", s.ID,
		"host", s.Target.Host,
		"result", result,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if first == nil || errors.Is(first, io.EOF) {
		return model.ErrTunnelClosed
	}
	return fmt.Errorf("%w: %v", model.ErrTunnelClosed, first)
}

// pump copies src to dst. Each read gets a fresh idle deadline. A read that
// times out ends the pump only when the other direction has been silent
// too, so a one-way stream keeps the session open.
func (s *Session) pump(dst, srcConn net.Conn, src *bufio.Reader, direction string) error {
	buf := make([]byte, s.bufSize)
	for {
		if s.idle > 0 {
			_ = srcConn.SetReadDeadline(time.Now().Add(s.idle))
		}
		n, err := src.Read(buf)
		if n > 0 {
			s.lastActive.Store(time.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			if s.metrics != nil {
				s.metrics.TunnelBytes.WithLabelValues(direction).Add(float64(n))
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) && s.recentlyActive() {
				continue
			}
			return err
		}
	}
}

func (s *Session) recentlyActive() bool {
	return time.Since(time.Unix(0, s.lastActive.Load())) < s.idle
}

// Close shuts both connections. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.State() == StateOpen {
			s.transition(StateOpen, StateClosing)
		}
		if s.upstream != nil {
			_ = s.upstream.Close()
		}
		if s.client != nil {
			_ = s.client.Close()
		}
		if s.State() == StateConnecting {
			s.state.Store(int32(StateClosed))
		}
	})
}

func closeResult(err error) string {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return "closed"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "idle_timeout"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

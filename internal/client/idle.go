package client

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"browse-proxy-go/internal/model"
)

// idleTimeoutBody cancels the upstream request when a single Read blocks for
// longer than the idle limit. Time spent between reads, while the client is
// applying backpressure, does not count.
type idleTimeoutBody struct {
	body     io.ReadCloser
	idle     time.Duration
	timer    *time.Timer
	cancel   context.CancelFunc
	timedOut atomic.Bool
}

func newIdleTimeoutBody(body io.ReadCloser, idle time.Duration, cancel context.CancelFunc) io.ReadCloser {
	b := &idleTimeoutBody{body: body, idle: idle, cancel: cancel}
	if idle > 0 {
		b.timer = time.AfterFunc(idle, func() {
			b.timedOut.Store(true)
			cancel()
		})
		b.timer.Stop()
	}
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	if b.timer != nil {
		b.timer.Reset(b.idle)
	}
	n, err := b.body.Read(p)
	if b.timer != nil {
		b.timer.Stop()
	}
	if err != nil && err != io.EOF && b.timedOut.Load() {
		err = fmt.Errorf("%w: no data for %s", model.ErrUpstreamTimeout, b.idle)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.cancel()
	return b.body.Close()
}

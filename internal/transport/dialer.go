// internal/transport/dialer.go
// Host-side half of the transport: a reconnecting Unix-domain stream dialer.
// The reconnect policy (jittered exponential back-off, reset on every
// successful connect) mirrors grpc_exporter.go's connect/reconnect pair, with
// the stream itself replaced by the framed Conn used throughout this package.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nullstream/moongate/internal/logging"
)

// DialerConfig controls how Dialer connects and reconnects.
type DialerConfig struct {
	SocketPath string
	Retry      backoff.BackOff // nil uses a sensible default
}

// Dialer maintains a single connection to the gateway's Unix-domain socket,
// reconnecting with back-off whenever it drops. Callers register OnFrame to
// receive parsed frames and OnConnect/OnDisconnect to track connection state.
type Dialer struct {
	cfg DialerConfig

	OnConnect    func(c *Conn)
	OnFrame      func(c *Conn, frame []byte)
	OnDisconnect func(c *Conn)

	mu      sync.Mutex
	current *Conn
	closing chan struct{}
	closed  bool
}

// NewDialer builds a Dialer; it does not connect until Run is called.
func NewDialer(cfg DialerConfig) *Dialer {
	if cfg.Retry == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxInterval = 15 * time.Second
		bo.MaxElapsedTime = 0 // retry forever; the host has no other job
		cfg.Retry = bo
	}
	return &Dialer{cfg: cfg, closing: make(chan struct{})}
}

// Run connects and keeps reconnecting until ctx is cancelled or Close is
// called. It blocks for the lifetime of the connection loop.
func (d *Dialer) Run(ctx context.Context) error {
	for {
		c, err := d.connect(ctx)
		if err != nil {
			return err
		}
		if c == nil {
			return nil // closed during connect
		}

		done := make(chan struct{})
		c.ReadLoop(
			func(frame []byte) {
				if d.OnFrame != nil {
					d.OnFrame(c, frame)
				}
			},
			func() { close(done) },
		)
		<-done

		d.mu.Lock()
		d.current = nil
		closed := d.closed
		d.mu.Unlock()

		if d.OnDisconnect != nil {
			d.OnDisconnect(c)
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closing:
			return nil
		default:
		}
	}
}

// connect dials once, then retries with back-off until it succeeds or the
// dialer is stopped.
func (d *Dialer) connect(ctx context.Context) (*Conn, error) {
	d.cfg.Retry.Reset()
	for {
		nc, err := net.Dial("unix", d.cfg.SocketPath)
		if err == nil {
			c := newConn(nc)
			d.mu.Lock()
			d.current = c
			d.mu.Unlock()
			if d.OnConnect != nil {
				d.OnConnect(c)
			}
			return c, nil
		}

		logging.Sugar().Debugw("transport: dial failed, retrying", "socket", d.cfg.SocketPath, "err", err)
		next := d.cfg.Retry.NextBackOff()
		if next == backoff.Stop {
			return nil, err
		}
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.closing:
			return nil, nil
		}
	}
}

// Current returns the active connection, or nil if not currently connected.
func (d *Dialer) Current() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Close stops the dialer's reconnect loop and closes any active connection.
func (d *Dialer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cur := d.current
	d.mu.Unlock()

	close(d.closing)
	if cur != nil {
		return cur.Close()
	}
	return nil
}

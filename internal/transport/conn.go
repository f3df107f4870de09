// Package transport implements the framed Unix-domain stream transport
// between the gateway and the host process: a gateway-side listener that
// accepts at most one host connection at a time (a new connection displaces
// the previous one), and a host-side dialer with the symmetric framing and
// write-retry behaviour.
//
// Both sides share Conn, which owns the socket, the NUL-delimited framing
// (internal/wire) and the short-write retry loop.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/nullstream/moongate/internal/logging"
	"github.com/nullstream/moongate/internal/wire"
	"go.uber.org/zap"
)

// ErrClosed is returned by Send once the connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

// maxWriteRetries and writeRetryPause mirror moonraker.py's klippy_send: up
// to 10 retries on a short/blocked write, pausing ~1ms between attempts.
const (
	maxWriteRetries = 10
	writeRetryPause = time.Millisecond
)

// Conn wraps one end of the Unix-domain stream with framing and a
// single-writer send path.
type Conn struct {
	nc net.Conn

	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

func newConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Send encodes v as a JSON frame and writes it, retrying short writes. A
// failure closes the underlying connection (idempotent) and returns an
// error; callers must treat the connection as dead afterwards.
func (c *Conn) Send(v interface{}) error {
	frame, err := wire.Encode(v)
	if err != nil {
		return err
	}
	return c.sendRaw(frame)
}

func (c *Conn) sendRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	retries := maxWriteRetries
	for len(frame) > 0 {
		n, err := c.nc.Write(frame)
		if err != nil {
			if isRetryable(err) && retries > 0 {
				retries--
				time.Sleep(writeRetryPause)
				continue
			}
			logging.Sugar().Infow("transport: error sending data, closing socket", "err", err)
			_ = c.Close()
			return err
		}
		if n <= 0 {
			logging.Sugar().Info("transport: error sending data, closing socket")
			_ = c.Close()
			return io.ErrShortWrite
		}
		frame = frame[n:]
	}
	return nil
}

func isRetryable(err error) bool {
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		return sysErr != syscall.EBADF && sysErr != syscall.EPIPE
	}
	return !errors.Is(err, net.ErrClosed)
}

// ReadLoop reads frames until the connection closes or ctx-equivalent stop
// is requested via Close, invoking onFrame for each complete frame and
// onClose exactly once when the loop exits.
func (c *Conn) ReadLoop(onFrame func([]byte), onClose func()) {
	reader := wire.NewFrameReader()
	buf := make([]byte, 4096)
	defer func() {
		_ = c.Close()
		if onClose != nil {
			onClose()
		}
	}()
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			reader.Feed(buf[:n], onFrame)
		}
		if err != nil {
			if err != io.EOF {
				logging.Logger().Debug("transport: read error", zap.Error(err))
			}
			return
		}
	}
}

// Close closes the underlying socket; safe to call multiple times.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

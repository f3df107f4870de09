// internal/transport/listener.go
// Gateway-side half of the transport: a Unix-domain stream listener that
// accepts at most one host connection at a time, displacing any prior
// connection when a new one arrives.
package transport

import (
	"net"
	"os"
	"sync"

	"github.com/nullstream/moongate/internal/logging"
)

// Listener accepts host connections on a Unix-domain socket and hands each
// one to Handler. Only one connection is considered "current" at a time.
type Listener struct {
	ln net.Listener

	mu      sync.Mutex
	current *Conn
	gen     uint64 // bumped on every displacement so stale read loops exit quietly

	// Callbacks, set before Serve is called.
	OnConnect    func(c *Conn)
	OnFrame      func(c *Conn, frame []byte)
	OnDisconnect func(c *Conn)
}

// Listen binds socketPath with backlog=1, removing any stale socket file
// left over from a previous run first (mirrors bind_unix_socket's common
// usage pattern of an already-normalised, expanded path).
func Listen(socketPath string) (*Listener, error) {
	_ = os.Remove(socketPath) // best-effort; a stale file would otherwise fail bind
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	_ = ln.SetUnlinkOnClose(true)
	return &Listener{ln: ln}, nil
}

// Serve blocks accepting connections until the listener is closed. Each
// accepted connection displaces the previous one, exactly as
// moonraker.py._handle_klippy_connection does.
func (l *Listener) Serve() error {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			return err
		}
		l.adopt(newConn(nc))
	}
}

func (l *Listener) adopt(c *Conn) {
	l.mu.Lock()
	prev := l.current
	l.current = c
	l.gen++
	myGen := l.gen
	l.mu.Unlock()

	if prev != nil {
		logging.Sugar().Info("transport: new host connection received while one was active, displacing it")
		_ = prev.Close()
		if l.OnDisconnect != nil {
			l.OnDisconnect(prev)
		}
	} else {
		logging.Sugar().Info("transport: host connection established")
	}

	go c.ReadLoop(
		func(frame []byte) {
			if l.OnFrame != nil {
				l.OnFrame(c, frame)
			}
		},
		func() {
			l.mu.Lock()
			isCurrent := l.gen == myGen
			if isCurrent {
				l.current = nil
			}
			l.mu.Unlock()
			if isCurrent {
				logging.Sugar().Info("transport: host connection removed")
				if l.OnDisconnect != nil {
					l.OnDisconnect(c)
				}
			}
		},
	)
	if l.OnConnect != nil {
		l.OnConnect(c)
	}
}

// Current returns the active host connection, or nil if none is connected.
func (l *Listener) Current() *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Close stops accepting new connections and closes the current one, if any.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.mu.Lock()
	cur := l.current
	l.current = nil
	l.mu.Unlock()
	if cur != nil {
		if cerr := cur.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nullstream/moongate/internal/auth"
	"github.com/nullstream/moongate/internal/transport"
	"github.com/nullstream/moongate/internal/wire"
)

func authDisableConfig() auth.Config {
	no := false
	return auth.Config{RequireAuth: &no}
}

// hostSim is a minimal stand-in for a real moongate-hostsim process: it
// dials the gateway's socket, answers every request with a canned reply, and
// lets the test script push notifications/hooks in either direction.
type hostSim struct {
	dialer  *transport.Dialer
	replies chan wire.Request
}

func newHostSim(t *testing.T, socketPath string) *hostSim {
	t.Helper()
	h := &hostSim{replies: make(chan wire.Request, 16)}
	h.dialer = transport.NewDialer(transport.DialerConfig{SocketPath: socketPath})
	h.dialer.OnFrame = func(c *transport.Conn, frame []byte) {
		var req wire.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			return
		}
		h.replies <- req
	}
	go h.dialer.Run(context.Background())
	return h
}

func (h *hostSim) respond(t *testing.T, result interface{}) wire.Request {
	t.Helper()
	select {
	case req := <-h.replies:
		body, _ := json.Marshal(result)
		_ = h.dialer.Current().Send(map[string]interface{}{
			"method": "response",
			"params": map[string]interface{}{
				"request_id": req.ID,
				"response":   json.RawMessage(body),
			},
		})
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gateway to send a request")
		return wire.Request{}
	}
}

func waitForHostConn(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.conn() != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway never saw the simulated host connect")
}

func freeTCPAddr(t *testing.T, offset int) (string, int) {
	t.Helper()
	return "127.0.0.1", 39000 + os.Getpid()%2000 + offset
}

func TestServer_AddHookThenHTTPProxyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "moongate.sock")
	host, port := freeTCPAddr(t, 1)

	s, err := New(Config{Address: host, Port: port, SocketPath: sockPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.authz.LoadConfig(authDisableConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	sim := newHostSim(t, sockPath)
	defer sim.dialer.Close()
	waitForHostConn(t, s)

	addHook := wire.Envelope{Method: "add_hook"}
	hookParams, _ := json.Marshal(wire.AddHookParams{Hook: wire.AddHookTuple{
		Path:    "/printer/info",
		Methods: []string{"GET"},
	}})
	addHook.Params = hookParams
	frame, _ := wire.Encode(addHook)
	s.handleHostFrame(nil, frame[:len(frame)-1])

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(fmt.Sprintf("http://%s:%d/printer/info", host, port))
		if err != nil {
			t.Error(err)
			return
		}
		respCh <- resp
	}()

	sim.respond(t, map[string]interface{}{"state": "ready"})

	resp := <-respCh
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var decoded struct {
		Result map[string]interface{} `json:"result"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Result["state"] != "ready" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestServer_UnknownPathReturns404(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "moongate.sock")
	host, port := freeTCPAddr(t, 2)

	s, err := New(Config{Address: host, Port: port, SocketPath: sockPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.authz.LoadConfig(authDisableConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s:%d/printer/nope", host, port))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestServer_HostDisconnectFailsPendingRequests(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "moongate.sock")

	s, err := New(Config{Address: "127.0.0.1", Port: 0, SocketPath: sockPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go func() { _ = s.hostListener.Serve() }()
	sim := newHostSim(t, sockPath)
	waitForHostConn(t, s)

	done := make(chan error, 1)
	go func() {
		_, err := s.correlator.Request(context.Background(), s.conn(), "/printer/info", http.MethodGet, nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	sim.dialer.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error once the host disconnects")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was never failed after host disconnect")
	}
}

package wsrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nullstream/moongate/internal/gatewayerr"
)

func TestMethodName(t *testing.T) {
	if got := MethodName("GET", "/printer/objects"); got != "get_printer_objects" {
		t.Fatalf("unexpected method name: %s", got)
	}
}

func TestDispatch_SingleRequest(t *testing.T) {
	d := NewDispatcher()
	d.Register("get_printer_info", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]string{"state": "ready"}, nil
	})

	req := `{"jsonrpc":"2.0","method":"get_printer_info","id":1}`
	resp := d.Dispatch(context.Background(), []byte(req))

	var parsed rpcResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Error != nil {
		t.Fatalf("unexpected error: %+v", parsed.Error)
	}
}

func TestDispatch_MethodNotFound(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"nope","id":2}`))
	var parsed rpcResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Error == nil || parsed.Error.Code != -32601 {
		t.Fatalf("expected method-not-found error, got %+v", parsed.Error)
	}
}

func TestDispatch_InvalidRequest(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(context.Background(), []byte(`{"jsonrpc":"1.0","method":"x"}`))
	var parsed rpcResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Error == nil || parsed.Error.Code != -32600 {
		t.Fatalf("expected invalid request error, got %+v", parsed.Error)
	}
}

func TestDispatch_NotificationHasNoResponse(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Register("post_printer_gcode", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		called = true
		return "ok", nil
	})
	resp := d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"post_printer_gcode"}`))
	if resp != nil {
		t.Fatalf("expected no response for a request without an id, got %s", resp)
	}
	if !called {
		t.Fatal("expected method to still execute")
	}
}

func TestDispatch_Batch(t *testing.T) {
	d := NewDispatcher()
	d.Register("get_a", func(ctx context.Context, params json.RawMessage) (interface{}, error) { return "a", nil })
	d.Register("get_b", func(ctx context.Context, params json.RawMessage) (interface{}, error) { return "b", nil })

	batch := `[{"jsonrpc":"2.0","method":"get_a","id":1},{"jsonrpc":"2.0","method":"get_b","id":2}]`
	resp := d.Dispatch(context.Background(), []byte(batch))

	var parsed []rpcResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(parsed))
	}
}

func TestDispatch_GatewayErrorMapsToJSONRPCCode(t *testing.T) {
	d := NewDispatcher()
	d.Register("post_printer_gcode", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, gatewayerr.HostReported("bad gcode", 400)
	})
	resp := d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"post_printer_gcode","id":3}`))
	var parsed rpcResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Error == nil || parsed.Error.Code != 400 {
		t.Fatalf("expected code 400, got %+v", parsed.Error)
	}
}

func TestRegisterEndpoint_AndRemove(t *testing.T) {
	d := NewDispatcher()
	noop := func(ctx context.Context, params json.RawMessage) (interface{}, error) { return nil, nil }
	d.RegisterEndpoint("/printer/gcode", []string{"GET", "POST"}, noop)

	if _, ok := d.lookup("get_printer_gcode"); !ok {
		t.Fatal("expected get_printer_gcode to be registered")
	}
	if _, ok := d.lookup("post_printer_gcode"); !ok {
		t.Fatal("expected post_printer_gcode to be registered")
	}

	d.RemoveEndpoint("/printer/gcode")
	if _, ok := d.lookup("get_printer_gcode"); ok {
		t.Fatal("expected get_printer_gcode to be removed")
	}
}

func TestManager_BroadcastReachesConnectedClient(t *testing.T) {
	d := NewDispatcher()
	m := NewManager(d, nil, func() bool { return true })

	srv := httptest.NewServer(http.HandlerFunc(m.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.Count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 connected client, got %d", m.Count())
	}

	m.Broadcast(map[string]string{"method": "notify_status_update"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["method"] != "notify_status_update" {
		t.Fatalf("unexpected broadcast payload: %s", data)
	}
}

func TestManager_RejectsUnauthorized(t *testing.T) {
	d := NewDispatcher()
	m := NewManager(d, func(r *http.Request) error { return gatewayerr.Unauthorized("") }, nil)

	srv := httptest.NewServer(http.HandlerFunc(m.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unauthorized request")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

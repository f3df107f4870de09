package correlator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nullstream/moongate/internal/gatewayerr"
	"github.com/nullstream/moongate/internal/wire"
)

type fakeSender struct {
	sent    []wire.Request
	sendErr error
}

func (f *fakeSender) Send(v interface{}) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	req, ok := v.(wire.Request)
	if ok {
		f.sent = append(f.sent, req)
	}
	return nil
}

func TestRequest_ResolvesOnMatchingResponse(t *testing.T) {
	c := New()
	sender := &fakeSender{}

	resCh := make(chan wire.HostResult, 1)
	go func() {
		res, err := c.Request(context.Background(), sender, "/printer/objects", "GET", nil)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		resCh <- res
	}()

	// Wait for the send to land, then resolve using the ID the correlator
	// actually assigned.
	var id string
	for i := 0; i < 100 && id == ""; i++ {
		time.Sleep(time.Millisecond)
		if len(sender.sent) > 0 {
			id = sender.sent[0].ID
		}
	}
	if id == "" {
		t.Fatal("request was never sent")
	}

	c.Resolve(id, wire.HostResult{Response: json.RawMessage(`{"ok":true}`)})

	select {
	case res := <-resCh:
		if string(res.Response) != `{"ok":true}` {
			t.Fatalf("unexpected response: %s", res.Response)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Request to return")
	}
}

func TestRequest_NilConnReturnsTransportError(t *testing.T) {
	c := New()
	_, err := c.Request(context.Background(), nil, "/printer/objects", "GET", nil)
	gerr, ok := gatewayerr.As(err)
	if !ok || gerr.Kind != gatewayerr.KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRequest_TimesOutWhenHostNeverResponds(t *testing.T) {
	c := New()
	c.LoadConfig(wire.RuntimeConfig{RequestTimeout: 0.02})
	sender := &fakeSender{}

	_, err := c.Request(context.Background(), sender, "/printer/objects", "GET", nil)
	gerr, ok := gatewayerr.As(err)
	if !ok || gerr.Kind != gatewayerr.KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected pending table cleared after timeout, got %d", c.Pending())
	}
}

func TestRequest_GcodeLongRunningOverride(t *testing.T) {
	c := New()
	c.LoadConfig(wire.RuntimeConfig{
		RequestTimeout:    0.02,
		LongRunningGcodes: map[string]float64{"G28": 5},
	})
	got := c.timeoutFor("/printer/gcode", map[string]interface{}{"script": "g28 x y"})
	if got != 5*time.Second {
		t.Fatalf("expected G28 override of 5s, got %v", got)
	}
	other := c.timeoutFor("/printer/gcode", map[string]interface{}{"script": "M117 hi"})
	if other != 20*time.Millisecond {
		t.Fatalf("expected base timeout for unmatched gcode, got %v", other)
	}
}

func TestFailAll_UnblocksPendingRequests(t *testing.T) {
	c := New()
	sender := &fakeSender{}

	resCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), sender, "/printer/objects", "GET", nil)
		resCh <- err
	}()

	for i := 0; i < 100 && c.Pending() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	c.FailAll("host disconnected")

	select {
	case err := <-resCh:
		gerr, ok := gatewayerr.As(err)
		if !ok || gerr.Kind != gatewayerr.KindTransport {
			t.Fatalf("expected transport error from FailAll, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for FailAll to unblock request")
	}
}

func TestResolve_UnknownIDIsDroppedSilently(t *testing.T) {
	c := New()
	c.Resolve("does-not-exist", wire.HostResult{Response: json.RawMessage(`{}`)})
}

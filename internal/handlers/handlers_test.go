package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nullstream/moongate/internal/auth"
	"github.com/nullstream/moongate/internal/correlator"
	"github.com/nullstream/moongate/internal/gatewayerr"
	"github.com/nullstream/moongate/internal/registry"
	"github.com/nullstream/moongate/internal/wire"
)

type openAuth struct{}

func (openAuth) CheckAuthorized(r *http.Request) error { return nil }
func (openAuth) ApplyCORSHeaders(w http.ResponseWriter) {}
func (openAuth) EnableCORS() bool                       { return false }

type fakeHostConn struct {
	sender correlator.Sender
}

func (f fakeHostConn) Current() correlator.Sender { return f.sender }

type recordingNotifier struct {
	calls []string
}

func (n *recordingNotifier) NotifyFilelistChanged(_ context.Context, filename, action string) {
	n.calls = append(n.calls, action+":"+filename)
}

func newTestCorrelator(t *testing.T, respond func(req wire.Request) wire.HostResult) (*correlator.Correlator, correlator.Sender) {
	t.Helper()
	c := correlator.New()
	sender := senderFunc(func(v interface{}) error {
		req, ok := v.(wire.Request)
		if !ok {
			return nil
		}
		go c.Resolve(req.ID, respond(req))
		return nil
	})
	return c, sender
}

type senderFunc func(v interface{}) error

func (f senderFunc) Send(v interface{}) error { return f(v) }

func TestHostProxy_ReturnsHostResponse(t *testing.T) {
	c, sender := newTestCorrelator(t, func(req wire.Request) wire.HostResult {
		return wire.HostResult{Response: json.RawMessage(`{"state":"ready"}`)}
	})
	deps := Deps{Correlator: c, Host: fakeHostConn{sender}, Auth: openAuth{}}
	ep := &registry.Endpoint{Pattern: "/printer/info", Methods: []string{"GET"}, ArgParser: registry.DefaultParser}

	req := httptest.NewRequest("GET", "/printer/info", nil)
	w := httptest.NewRecorder()
	HostProxy(deps, ep).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Result struct {
			State string `json:"state"`
		} `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Result.State != "ready" {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestHostProxy_HostErrorBecomesHTTPStatus(t *testing.T) {
	c, sender := newTestCorrelator(t, func(req wire.Request) wire.HostResult {
		return wire.HostResult{Err: hostReportedErr(400, "bad gcode")}
	})
	deps := Deps{Correlator: c, Host: fakeHostConn{sender}, Auth: openAuth{}}
	ep := &registry.Endpoint{Pattern: "/printer/gcode", Methods: []string{"POST"}, ArgParser: registry.DefaultParser}

	req := httptest.NewRequest("POST", "/printer/gcode", nil)
	w := httptest.NewRecorder()
	HostProxy(deps, ep).ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHostProxy_NotConnectedReturns503(t *testing.T) {
	c := correlator.New()
	deps := Deps{Correlator: c, Host: fakeHostConn{nil}, Auth: openAuth{}}
	ep := &registry.Endpoint{Pattern: "/printer/info", Methods: []string{"GET"}, ArgParser: registry.DefaultParser}

	req := httptest.NewRequest("GET", "/printer/info", nil)
	w := httptest.NewRecorder()
	HostProxy(deps, ep).ServeHTTP(w, req)

	if w.Code != 503 {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestToken_ReturnsResult(t *testing.T) {
	az := auth.New(nil)
	defer az.Close()
	deps := Deps{Auth: openAuth{}}

	req := httptest.NewRequest("GET", "/access/oneshot_token", nil)
	w := httptest.NewRecorder()
	Token(deps, az).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Result == "" {
		t.Fatal("expected a non-empty token")
	}
}

func TestAPIVersion(t *testing.T) {
	deps := Deps{Auth: openAuth{}}
	req := httptest.NewRequest("GET", "/api/version", nil)
	w := httptest.NewRecorder()
	APIVersion(deps).ServeHTTP(w, req)

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["server"] != octoprintServerVersion || body["api"] != octoprintAPIVersion {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStaticFile_DeleteGatedByHost(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "test.gcode")
	if err := os.WriteFile(target, []byte("G28"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, sender := newTestCorrelator(t, func(req wire.Request) wire.HostResult {
		return wire.HostResult{Response: json.RawMessage(`{}`)}
	})
	notifier := &recordingNotifier{}
	deps := Deps{Correlator: c, Host: fakeHostConn{sender}, Auth: openAuth{}, Notifier: notifier}

	handler := StaticFile(deps, root, "test.gcode", "/server/files/gcodes/(.*)", []string{"GET", "DELETE"})

	req := httptest.NewRequest("DELETE", "/server/files/gcodes/test.gcode", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("expected file to be removed")
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != "removed:test.gcode" {
		t.Fatalf("unexpected notifier calls: %v", notifier.calls)
	}
}

func TestStaticFile_GetServesFileNamedByCapture(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "sub", "part.gcode")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("G28"), 0o644); err != nil {
		t.Fatal(err)
	}

	deps := Deps{Auth: openAuth{}}
	handler := StaticFile(deps, root, "sub/part.gcode", "/server/files/gcodes/(.*)", []string{"GET", "DELETE"})

	// The request path carries the full route prefix, as it would behind the
	// real mux; StaticFile must resolve against root+capture, not this path.
	req := httptest.NewRequest("GET", "/server/files/gcodes/sub/part.gcode", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "G28" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
}

func TestStaticFile_DeleteBlockedWhenFileInUse(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "busy.gcode")
	if err := os.WriteFile(target, []byte("G28"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, sender := newTestCorrelator(t, func(req wire.Request) wire.HostResult {
		return wire.HostResult{Err: hostReportedErr(403, "in use")}
	})
	deps := Deps{Correlator: c, Host: fakeHostConn{sender}, Auth: openAuth{}}
	handler := StaticFile(deps, root, "busy.gcode", "/server/files/gcodes/(.*)", []string{"GET", "DELETE"})

	req := httptest.NewRequest("DELETE", "/server/files/gcodes/busy.gcode", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 403 {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatal("expected file to still exist")
	}
}

func TestUpload_ResponseIsNotDoubleWrapped(t *testing.T) {
	root := t.TempDir()

	c, sender := newTestCorrelator(t, func(req wire.Request) wire.HostResult {
		return wire.HostResult{Response: json.RawMessage(`{}`)}
	})
	notifier := &recordingNotifier{}
	deps := Deps{Correlator: c, Host: fakeHostConn{sender}, Auth: openAuth{}, Notifier: notifier}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "new.gcode")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("G28")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/server/files/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	Upload(deps, root, "/server/files/upload").ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var got struct {
		Result       string `json:"result"`
		PrintStarted bool   `json:"print_started"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("response body is not the flat shape the spec requires: %v (%s)", err, w.Body.String())
	}
	if got.Result != "new.gcode" {
		t.Fatalf("unexpected result field: %q", got.Result)
	}
	if got.PrintStarted {
		t.Fatal("expected print_started=false")
	}
}

func hostReportedErr(status int, msg string) error {
	return gatewayerr.HostReported(msg, status)
}

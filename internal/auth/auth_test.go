package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkgauth "github.com/nullstream/moongate/pkg/auth"
)

func boolPtr(b bool) *bool { return &b }

func newReq(remoteAddr string) *http.Request {
	r := httptest.NewRequest("GET", "/printer/objects", nil)
	r.RemoteAddr = remoteAddr
	return r
}

func TestCheckAuthorized_DisabledBypassesEverything(t *testing.T) {
	a := New(nil)
	defer a.Close()
	a.LoadConfig(Config{RequireAuth: boolPtr(false)})

	if err := a.CheckAuthorized(newReq("203.0.113.9:1234")); err != nil {
		t.Fatalf("expected no error when auth disabled, got %v", err)
	}
}

func TestCheckAuthorized_UnknownIPRejected(t *testing.T) {
	a := New(nil)
	defer a.Close()

	if err := a.CheckAuthorized(newReq("203.0.113.9:1234")); err == nil {
		t.Fatal("expected unauthorized error")
	}
}

func TestCheckAuthorized_TrustedLiteralIP(t *testing.T) {
	a := New(nil)
	defer a.Close()
	a.LoadConfig(Config{TrustedIPs: []string{"203.0.113.9"}})

	if err := a.CheckAuthorized(newReq("203.0.113.9:1234")); err != nil {
		t.Fatalf("expected trusted IP to pass, got %v", err)
	}
}

func TestCheckAuthorized_TrustedRange(t *testing.T) {
	a := New(nil)
	defer a.Close()
	a.LoadConfig(Config{TrustedRanges: []string{"192.168.1"}})

	if err := a.CheckAuthorized(newReq("192.168.1.55:1234")); err != nil {
		t.Fatalf("expected trusted range to pass, got %v", err)
	}
	if err := a.CheckAuthorized(newReq("192.168.2.55:1234")); err == nil {
		t.Fatal("expected IP outside the trusted range to be rejected")
	}
}

func TestCheckAuthorized_ApiKeyHeader(t *testing.T) {
	a := New(nil)
	defer a.Close()
	a.LoadConfig(Config{APIKey: "sekret"})

	r := newReq("203.0.113.9:1234")
	r.Header.Set("X-Api-Key", "sekret")
	if err := a.CheckAuthorized(r); err != nil {
		t.Fatalf("expected matching API key to pass, got %v", err)
	}

	r2 := newReq("203.0.113.9:1234")
	r2.Header.Set("X-Api-Key", "wrong")
	if err := a.CheckAuthorized(r2); err == nil {
		t.Fatal("expected wrong API key to be rejected")
	}
}

func TestAccessToken_OneShot(t *testing.T) {
	a := New(nil)
	defer a.Close()

	tok, err := a.GetAccessToken()
	if err != nil {
		t.Fatal(err)
	}

	r := newReq("203.0.113.9:1234")
	r.URL.RawQuery = "token=" + tok
	if err := a.CheckAuthorized(r); err != nil {
		t.Fatalf("expected token to authorize request, got %v", err)
	}

	r2 := newReq("203.0.113.9:1234")
	r2.URL.RawQuery = "token=" + tok
	if err := a.CheckAuthorized(r2); err == nil {
		t.Fatal("expected token to be consumed after first use")
	}
}

func TestCheckAuthorized_JWTBearer(t *testing.T) {
	a := New(nil)
	defer a.Close()
	a.EnableJWT([]byte("test-secret"), "moongate")

	signer := pkgauth.NewSigner([]byte("test-secret"), "moongate", time.Minute)
	tok, err := signer.Sign(signer.Claims("ui", nil))
	if err != nil {
		t.Fatal(err)
	}

	r := newReq("203.0.113.9:1234")
	r.Header.Set("Authorization", "Bearer "+tok)
	if err := a.CheckAuthorized(r); err != nil {
		t.Fatalf("expected valid bearer token to pass, got %v", err)
	}

	r2 := newReq("203.0.113.9:1234")
	r2.Header.Set("Authorization", "Bearer not-a-real-token")
	if err := a.CheckAuthorized(r2); err == nil {
		t.Fatal("expected invalid bearer token to be rejected")
	}
}

func TestEnableCORS_ReflectsConfig(t *testing.T) {
	a := New(nil)
	defer a.Close()
	if a.EnableCORS() {
		t.Fatal("expected CORS disabled by default")
	}
	a.LoadConfig(Config{EnableCORS: boolPtr(true)})
	if !a.EnableCORS() {
		t.Fatal("expected CORS enabled after config load")
	}
}

// Package auth implements the gateway's authorization filter chain: a
// disabled bypass, a trusted-connection cache keyed by remote IP, literal
// IP/ /24-range allowlists, an X-Api-Key header check, and a one-shot,
// short-lived access token. It mirrors authorization.py's Authorization
// class, with the trusted-connection map made pluggable so a multi-instance
// gateway deployment can share it via Redis instead of process memory.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nullstream/moongate/internal/gatewayerr"
	"github.com/nullstream/moongate/internal/logging"
	pkgauth "github.com/nullstream/moongate/pkg/auth"
)

// TokenTimeout mirrors authorization.py's TOKEN_TIMEOUT: a one-shot access
// token is valid for 5 seconds if unused.
const TokenTimeout = 5 * time.Second

// ConnectionTimeout mirrors CONNECTION_TIMEOUT: a trusted connection is
// remembered for an hour of inactivity before it must re-qualify.
const ConnectionTimeout = time.Hour

// pruneInterval mirrors PRUNE_CHECK_TIME (300s).
const pruneInterval = 5 * time.Minute

// TrustedStore tracks which remote IPs have recently passed the trusted-IP
// or trusted-range check, so repeat requests from the same IP skip the
// range scan. The default implementation is process-local; Redis-backed
// implementations let multiple gateway instances share the cache.
type TrustedStore interface {
	// Touch records ip as trusted at the current time and reports whether it
	// was already trusted (a "hit").
	Touch(ctx context.Context, ip string) (hit bool, err error)
	// Prune removes entries last touched more than ConnectionTimeout ago.
	Prune(ctx context.Context) error
}

// Authorizer evaluates every inbound request against the filter chain.
type Authorizer struct {
	mu sync.RWMutex

	enabled       bool
	apiKey        string
	trustedIPs    map[string]struct{}
	trustedRanges map[string]struct{} // "/24"-style prefix strings (IP with last octet stripped)
	enableCORS    bool

	store TrustedStore

	tokMu  sync.Mutex
	tokens map[string]time.Time

	jwt *pkgauth.Verifier // nil disables the optional bearer-token mode

	stopPrune chan struct{}
}

// New returns an Authorizer with auth enabled and an in-memory trusted
// store, matching authorization.py's __init__ defaults.
func New(store TrustedStore) *Authorizer {
	if store == nil {
		store = NewInMemoryStore()
	}
	a := &Authorizer{
		enabled:       true,
		trustedIPs:    map[string]struct{}{},
		trustedRanges: map[string]struct{}{},
		store:         store,
		tokens:        map[string]time.Time{},
		stopPrune:     make(chan struct{}),
	}
	go a.pruneLoop()
	return a
}

// Close stops the background token/connection pruning.
func (a *Authorizer) Close() {
	close(a.stopPrune)
}

// EnableJWT turns on the optional "Authorization: Bearer <jwt>" admission
// mode, layered alongside the API-key/trusted-IP/one-shot-token checks. Not
// part of the host-pushed Config since it is a deployment-level secret set
// once at gateway startup, not something Klippy's config block carries.
func (a *Authorizer) EnableJWT(secret []byte, issuer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jwt = pkgauth.NewVerifier(secret, issuer)
}

func (a *Authorizer) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.store.Prune(context.Background()); err != nil {
				logging.Sugar().Warnw("auth: prune failed", "err", err)
			}
			a.pruneTokens()
		case <-a.stopPrune:
			return
		}
	}
}

func (a *Authorizer) pruneTokens() {
	now := time.Now()
	a.tokMu.Lock()
	defer a.tokMu.Unlock()
	for tok, expires := range a.tokens {
		if now.After(expires) {
			delete(a.tokens, tok)
		}
	}
}

// Config is the subset of wire.RuntimeConfig this package consumes.
type Config struct {
	APIKey        string
	RequireAuth   *bool
	EnableCORS    *bool
	TrustedIPs    []string
	TrustedRanges []string
}

// LoadConfig applies a host-pushed configuration, mirroring
// Authorization.load_config.
func (a *Authorizer) LoadConfig(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cfg.APIKey != "" {
		a.apiKey = cfg.APIKey
	}
	if cfg.RequireAuth != nil {
		a.enabled = *cfg.RequireAuth
	}
	if cfg.EnableCORS != nil {
		a.enableCORS = *cfg.EnableCORS
	}
	if cfg.TrustedIPs != nil {
		a.trustedIPs = toSet(cfg.TrustedIPs)
	}
	if cfg.TrustedRanges != nil {
		a.trustedRanges = toSet(cfg.TrustedRanges)
	}

	logging.Sugar().Infow("auth: configuration loaded",
		"auth_enabled", a.enabled,
		"trusted_ips", cfg.TrustedIPs,
		"trusted_ranges", cfg.TrustedRanges)
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

// EnableCORS reports whether CORS headers should be set, mirroring
// app.settings['enable_cors'].
func (a *Authorizer) EnableCORS() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enableCORS
}

// CheckAuthorized runs the full filter chain against r, mirroring
// check_authorized: disabled bypass, trusted connection, API key header,
// one-shot token, then the optional JWT bearer mode if EnableJWT was
// called. Returns nil if the request is authorized, or a 401
// gatewayerr.Error otherwise.
func (a *Authorizer) CheckAuthorized(r *http.Request) error {
	a.mu.RLock()
	enabled := a.enabled
	apiKey := a.apiKey
	jwt := a.jwt
	a.mu.RUnlock()

	if !enabled {
		return nil
	}

	ip := remoteIP(r)
	if ip != "" && a.checkTrustedConnection(ip) {
		return nil
	}

	if key := r.Header.Get("X-Api-Key"); key != "" && apiKey != "" && key == apiKey {
		return nil
	}

	if token := r.URL.Query().Get("token"); token != "" && a.checkAccessToken(token) {
		return nil
	}

	if jwt != nil {
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			if _, err := jwt.ParseAndVerify(bearer); err == nil {
				return nil
			}
		}
	}

	return gatewayerr.Unauthorized("")
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// checkTrustedConnection mirrors _check_trusted_connection: a cache hit
// short-circuits the scan; otherwise the IP is checked against the literal
// allowlist and the /24 range allowlist (range membership is tested by
// stripping everything after the last '.').
func (a *Authorizer) checkTrustedConnection(ip string) bool {
	if hit, err := a.store.Touch(context.Background(), ip); err == nil && hit {
		return true
	}

	a.mu.RLock()
	_, literalOK := a.trustedIPs[ip]
	_, rangeOK := a.trustedRanges[rangePrefix(ip)]
	a.mu.RUnlock()

	if literalOK || rangeOK {
		logging.Sugar().Infow("auth: trusted connection detected", "ip", ip)
		_, _ = a.store.Touch(context.Background(), ip)
		return true
	}
	return false
}

// rangePrefix returns everything before the last '.' in an IPv4 dotted
// address, matching Python's ip[:ip.rfind('.')].
func rangePrefix(ip string) string {
	idx := strings.LastIndex(ip, ".")
	if idx < 0 {
		return ip
	}
	return ip[:idx]
}

// GetAccessToken mints a one-shot token valid for TokenTimeout, mirroring
// get_access_token's base32(os.urandom(20)) token.
func (a *Authorizer) GetAccessToken() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base32.StdEncoding.EncodeToString(raw)

	a.tokMu.Lock()
	a.tokens[token] = time.Now().Add(TokenTimeout)
	a.tokMu.Unlock()
	return token, nil
}

// checkAccessToken consumes token if present and unexpired, mirroring
// _check_access_token's pop-and-cancel-timer semantics (a token is usable
// exactly once).
func (a *Authorizer) checkAccessToken(token string) bool {
	a.tokMu.Lock()
	defer a.tokMu.Unlock()
	expires, ok := a.tokens[token]
	if !ok {
		return false
	}
	delete(a.tokens, token)
	return time.Now().Before(expires)
}

// ApplyCORSHeaders sets the CORS response headers when enabled, mirroring
// AuthorizedRequestHandler.set_default_headers.
func (a *Authorizer) ApplyCORSHeaders(w http.ResponseWriter) {
	if !a.EnableCORS() {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers",
		"Origin, Accept, Content-Type, X-Requested-With, X-CRSF-Token")
}

// Package gateway is the composition root: it wires the transport, registry,
// correlator, auth, handlers, wsrpc and notify/tempstore subsystems into one
// running process, mirroring moonraker.py's ServerManager (the one object
// that owns every other subsystem and the host socket). A Config struct, a
// constructor that builds every collaborator, and a blocking Run driven by
// a context.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/nullstream/moongate/internal/auth"
	"github.com/nullstream/moongate/internal/correlator"
	"github.com/nullstream/moongate/internal/gatewayerr"
	"github.com/nullstream/moongate/internal/handlers"
	"github.com/nullstream/moongate/internal/localendpoints"
	"github.com/nullstream/moongate/internal/logging"
	"github.com/nullstream/moongate/internal/metrics"
	"github.com/nullstream/moongate/internal/notify"
	"github.com/nullstream/moongate/internal/registry"
	"github.com/nullstream/moongate/internal/tempstore"
	"github.com/nullstream/moongate/internal/transport"
	"github.com/nullstream/moongate/internal/wire"
	"github.com/nullstream/moongate/internal/wsrpc"
)

// Config parameterises a gateway Server, mirroring the CLI arguments of
// moonraker.py.main(): address/port for the HTTP listener, socketfile for
// the host connection, logfile for /server/moonraker.log.
type Config struct {
	Address       string
	Port          int
	SocketPath    string
	LogFile       string
	EnableMetrics bool
	MetricsAddr   string

	TrustedStore auth.TrustedStore // nil uses the in-memory default

	JWTSecret string // empty disables the optional bearer-token admission mode
	JWTIssuer string
}

// Server owns every gateway subsystem and the one HTTP listener that serves
// them all.
type Server struct {
	cfg Config

	registry     *registry.Registry
	correlator   *correlator.Correlator
	authz        *auth.Authorizer
	dispatcher   *wsrpc.Dispatcher
	wsManager    *wsrpc.Manager
	tempStore    *tempstore.Store
	notifyBus    *notify.Bus
	hostListener *transport.Listener

	localHandlers map[string]http.Handler

	httpSrv    *http.Server
	metricsSrv *http.Server
}

// New builds a Server with every collaborator wired, registers the built-in
// local endpoints, and binds the host Unix-domain socket. It does not yet
// accept host connections or serve HTTP; call Run for that.
func New(cfg Config) (*Server, error) {
	hostListener, err := transport.Listen(cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	corr := correlator.New()
	authz := auth.New(cfg.TrustedStore)
	if cfg.JWTSecret != "" {
		authz.EnableJWT([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	}
	dispatcher := wsrpc.NewDispatcher()
	store := tempstore.New()

	s := &Server{
		cfg:          cfg,
		registry:     reg,
		correlator:   corr,
		authz:        authz,
		dispatcher:   dispatcher,
		tempStore:    store,
		hostListener: hostListener,
	}

	s.wsManager = wsrpc.NewManager(dispatcher, authz.CheckAuthorized, authz.EnableCORS)
	s.notifyBus = notify.New(s.wsManager, store)

	hostListener.OnFrame = s.handleHostFrame
	hostListener.OnDisconnect = func(*transport.Conn) {
		metrics.HostConnected.Set(0)
		s.correlator.FailAll("host disconnected")
		s.notifyBus.Handle("klippy_state_changed", "disconnect")
	}
	hostListener.OnConnect = func(*transport.Conn) {
		metrics.HostConnected.Set(1)
	}

	s.registerLocalEndpoints()
	s.httpSrv = &http.Server{
		Addr:         cfg.Address + ":" + strconv.Itoa(cfg.Port),
		Handler:      s.buildMux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket and long-poll host proxies can run long
	}
	return s, nil
}

// conn returns the current host connection as a true-nil-capable
// correlator.Sender, avoiding the typed-nil-in-interface trap around
// *transport.Conn: a nil *transport.Conn boxed directly into an interface
// value is never == nil, so this check must happen on the concrete type.
func (s *Server) conn() correlator.Sender {
	c := s.hostListener.Current()
	if c == nil {
		return nil
	}
	return c
}

// Current implements handlers.HostConn.
func (s *Server) Current() correlator.Sender { return s.conn() }

// liveSender is a correlator.Sender that always forwards to whatever host
// connection is current at Send time, rather than the one that happened to
// be current when a method was registered (the host socket can reconnect
// long after add_hook was first processed).
type liveSender struct{ s *Server }

func (l liveSender) Send(v interface{}) error {
	c := l.s.conn()
	if c == nil {
		return gatewayerr.Transport("")
	}
	return c.Send(v)
}

func (s *Server) deps() handlers.Deps {
	return handlers.Deps{
		Correlator: s.correlator,
		Host:       s,
		Auth:       s.authz,
		Notifier:   s,
	}
}

// NotifyFilelistChanged implements handlers.FilelistNotifier, mirroring
// notify_filelist_changed: it asks the host for a fresh file list and
// broadcasts filelist_changed once that request completes.
func (s *Server) NotifyFilelistChanged(ctx context.Context, filename, action string) {
	go func() {
		res, err := s.correlator.Request(context.WithoutCancel(ctx), s.conn(), "/printer/files", http.MethodGet, map[string]interface{}{})
		var filelist interface{}
		if err == nil && res.Err == nil {
			_ = json.Unmarshal(res.Response, &filelist)
		}
		s.notifyBus.Handle("filelist_changed", map[string]interface{}{
			"filename": filename,
			"action":   action,
			"filelist": filelist,
		})
	}()
}

func (s *Server) buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.wsManager.ServeHTTP)
	mux.Handle("/api/version", handlers.APIVersion(s.deps()))
	if s.cfg.EnableMetrics {
		metrics.Register()
	}
	for path, h := range s.localHandlers {
		mux.Handle(path, h)
	}
	mux.HandleFunc("/", s.handleDynamic)
	return mux
}

// handleDynamic is the fallback route for every host-registered endpoint,
// mirroring MutableRouter/AnyMatches(): everything not matched by a fixed
// route above is resolved against the dynamic registry.
func (s *Server) handleDynamic(w http.ResponseWriter, r *http.Request) {
	ep, captures, err := s.registry.Lookup(r.URL.Path, r.Method)
	if err != nil {
		s.authz.ApplyCORSHeaders(w)
		gerr, _ := gatewayerr.As(err)
		http.Error(w, gerr.Message, gerr.Status)
		return
	}
	switch ep.Handler {
	case registry.HandlerFile:
		root, _ := ep.Extras["path"].(string)
		var rel string
		if len(captures) > 0 {
			rel = captures[0]
		}
		handlers.StaticFile(s.deps(), root, rel, ep.Pattern, ep.Methods).ServeHTTP(w, r)
	case registry.HandlerUpload:
		root, _ := ep.Extras["path"].(string)
		handlers.Upload(s.deps(), root, ep.Pattern).ServeHTTP(w, r)
	case registry.HandlerToken:
		handlers.Token(s.deps(), s.authz).ServeHTTP(w, r)
	default:
		handlers.HostProxy(s.deps(), ep).ServeHTTP(w, r)
	}
}

// registerLocalEndpoints wires the handful of endpoints the gateway answers
// itself, entering them into the registry so handleDynamic's 404 logic
// knows they exist, and into localHandlers so the mux serves them directly
// rather than proxying to the host.
func (s *Server) registerLocalEndpoints() {
	logPath := s.cfg.LogFile
	if logPath == "" {
		logPath = "/tmp/moongate.log"
	}

	s.mustAddHook("/machine/reboot", []string{http.MethodPost}, registry.HandlerKlippy, nil)
	s.mustAddHook("/machine/shutdown", []string{http.MethodPost}, registry.HandlerKlippy, nil)
	s.mustAddHook("/server/temperature_store", []string{http.MethodGet}, registry.HandlerKlippy, nil)
	// Registered here purely so handleDynamic's 404 logic knows the path exists;
	// it is always served from localHandlers below, since it names one fixed
	// file rather than a directory StaticFile could serve.
	s.mustAddHook("/server/moonraker.log", []string{http.MethodGet}, registry.HandlerFile,
		map[string]interface{}{"path": logPath})

	s.localHandlers = map[string]http.Handler{
		"/machine/reboot":           localendpoints.MachineCommand(s.authz, nil, "sudo reboot now"),
		"/machine/shutdown":         localendpoints.MachineCommand(s.authz, nil, "sudo shutdown now"),
		"/server/temperature_store": localendpoints.TemperatureStore(s.authz, s.tempStore),
		"/server/moonraker.log":     handlers.LogFile(s.deps(), logPath),
	}
}

func (s *Server) mustAddHook(path string, methods []string, kind registry.HandlerKind, extras map[string]interface{}) {
	if err := s.registry.Add(&registry.Endpoint{
		Pattern: path,
		Methods: methods,
		Handler: kind,
		Extras:  extras,
	}); err != nil {
		logging.Sugar().Errorw("gateway: failed to register local endpoint", "path", path, "err", err)
	}
}

// handleHostFrame decodes one host->gateway message and routes it, mirroring
// ServerConnection.process_message's method dispatch.
func (s *Server) handleHostFrame(c *transport.Conn, frame []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		logging.Sugar().Warnw("gateway: malformed host frame", "err", err)
		return
	}
	switch env.Method {
	case "response":
		s.handleResponse(env.Params)
	case "notification":
		s.handleNotification(env.Params)
	case "add_hook":
		s.handleAddHook(env.Params)
	case "load_config":
		s.handleLoadConfig(env.Params)
	case "set_klippy_ready":
		s.handleKlippyReady(env.Params)
	case "set_klippy_shutdown":
		s.tempStore.SetKlippyReady(nil)
		s.notifyBus.Handle("klippy_state_changed", "shutdown")
	default:
		logging.Sugar().Warnw("gateway: unknown host method", "method", env.Method)
	}
}

func (s *Server) handleResponse(raw json.RawMessage) {
	var p wire.ResponseParams
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.Sugar().Warnw("gateway: malformed response envelope", "err", err)
		return
	}
	s.correlator.Resolve(p.RequestID, parseHostResponse(p.Response))
}

// parseHostResponse inspects a raw host response and decides whether it
// represents success or a per-request failure, mirroring
// _handle_klippy_response's isinstance(response, dict) and 'error' in
// response check.
func parseHostResponse(raw json.RawMessage) wire.HostResult {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err == nil {
		if errField, ok := probe["error"]; ok {
			var herr wire.HostError
			_ = json.Unmarshal(raw, &herr)
			msg := herr.Message
			if msg == "" {
				_ = json.Unmarshal(errField, &msg)
			}
			return wire.HostResult{Err: gatewayerr.HostReported(msg, herr.StatusCode)}
		}
	}
	return wire.HostResult{Response: raw}
}

func (s *Server) handleNotification(raw json.RawMessage) {
	var p wire.NotificationParams
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.Sugar().Warnw("gateway: malformed notification envelope", "err", err)
		return
	}
	s.notifyBus.HandleRaw(p.Name, p.State)
}

func (s *Server) handleAddHook(raw json.RawMessage) {
	var p wire.AddHookParams
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.Sugar().Warnw("gateway: malformed add_hook envelope", "err", err)
		return
	}
	kind := registry.HandlerKlippy
	if h, ok := p.Hook.Extras["handler"].(string); ok && h != "" {
		kind = registry.HandlerKind(h)
	}
	ep := &registry.Endpoint{
		Pattern: p.Hook.Path,
		Methods: p.Hook.Methods,
		Handler: kind,
		Extras:  p.Hook.Extras,
	}
	if err := s.registry.Add(ep); err != nil {
		logging.Sugar().Warnw("gateway: rejected add_hook", "path", p.Hook.Path, "err", err)
		return
	}
	if kind == registry.HandlerKlippy {
		for _, m := range p.Hook.Methods {
			s.dispatcher.RegisterEndpoint(p.Hook.Path, []string{m}, wsrpc.HostProxyMethod(s.correlator, liveSender{s}, p.Hook.Path, m))
		}
	}
}

func (s *Server) handleLoadConfig(raw json.RawMessage) {
	var p wire.LoadConfigParams
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.Sugar().Warnw("gateway: malformed load_config envelope", "err", err)
		return
	}
	s.correlator.LoadConfig(p.Config)
	s.authz.LoadConfig(auth.Config{
		APIKey:        p.Config.APIKey,
		RequireAuth:   p.Config.RequireAuth,
		EnableCORS:    p.Config.EnableCORS,
		TrustedIPs:    p.Config.TrustedIPs,
		TrustedRanges: p.Config.TrustedRanges,
	})
}

func (s *Server) handleKlippyReady(raw json.RawMessage) {
	var p wire.SetKlippyReadyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.Sugar().Warnw("gateway: malformed set_klippy_ready envelope", "err", err)
		return
	}
	s.tempStore.SetKlippyReady(p.Sensors)
	s.notifyBus.Handle("klippy_state_changed", "ready")
}

// Run starts accepting host connections and serving HTTP, blocking until ctx
// is cancelled. Shutdown proceeds in a fixed order: stop the temperature
// sampler, close every WebSocket, close the host socket, then stop
// accepting HTTP.
func (s *Server) Run(ctx context.Context) error {
	go s.tempStore.Run()

	hostErrCh := make(chan error, 1)
	go func() { hostErrCh <- s.hostListener.Serve() }()

	httpErrCh := make(chan error, 1)
	go func() { httpErrCh <- s.httpSrv.ListenAndServe() }()

	if s.cfg.EnableMetrics && s.cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Sugar().Warnw("gateway: metrics listener error", "err", err)
			}
		}()
	}

	logging.Sugar().Infow("gateway: started", "addr", s.httpSrv.Addr, "socket", s.cfg.SocketPath)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-httpErrCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case err := <-hostErrCh:
		return err
	}
}

func (s *Server) shutdown() error {
	var errs error

	s.tempStore.Stop()
	s.wsManager.CloseAll()

	if err := s.hostListener.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	s.authz.Close()
	return errs
}

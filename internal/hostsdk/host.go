package hostsdk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nullstream/moongate/internal/gatewayerr"
	"github.com/nullstream/moongate/internal/logging"
	"github.com/nullstream/moongate/internal/transport"
	"github.com/nullstream/moongate/internal/wire"
)

// Config parameterises a Host.
type Config struct {
	SocketPath   string
	APIKeyDir    string        // directory holding the persisted API key file; "" uses os.UserHomeDir
	TickInterval time.Duration // default 250ms, mirrors StatusHandler's tick_time
}

// Host is the host-side SDK entry point: it owns the reconnecting dialer,
// the endpoint registry, the subscription wheel, and API key persistence.
type Host struct {
	cfg      Config
	dialer   *transport.Dialer
	registry *Registry
	wheel    *SubscriptionWheel
	apiKeys  *APIKeyStore
}

// New builds a Host wired to provider for status data. It does not connect
// until Run is called.
func New(cfg Config, provider StatusProvider) *Host {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	h := &Host{cfg: cfg, apiKeys: NewAPIKeyStore(cfg.APIKeyDir)}
	h.dialer = transport.NewDialer(transport.DialerConfig{SocketPath: cfg.SocketPath})
	h.registry = NewRegistry(liveConnSender{h})
	h.wheel = NewSubscriptionWheel(cfg.TickInterval, liveConnSender{h}, provider)
	h.dialer.OnFrame = h.handleGatewayFrame
	h.registerAccessEndpoints()
	return h
}

// liveConnSender forwards Send calls to whatever connection the dialer
// currently holds, so registrations and notifications made before the first
// connect (or across a reconnect) always target the live socket.
type liveConnSender struct{ h *Host }

func (l liveConnSender) Send(v interface{}) error {
	c := l.h.dialer.Current()
	if c == nil {
		return gatewayerr.Transport("")
	}
	return c.Send(v)
}

// RegisterEndpoint adds an endpoint and announces it to the gateway.
func (h *Host) RegisterEndpoint(path string, methods []string, handler EndpointHandler) error {
	return h.registry.Register(&Endpoint{Path: path, Methods: methods, Handler: handler})
}

func (h *Host) registerAccessEndpoints() {
	_ = h.RegisterEndpoint("/access/api_key", []string{"GET", "POST"}, func(ctx context.Context, method string, args map[string]interface{}) (interface{}, error) {
		if method == "POST" {
			key, err := h.apiKeys.Rotate()
			if err != nil {
				return nil, gatewayerr.Internal(err.Error())
			}
			return key, nil
		}
		key, err := h.apiKeys.Load()
		if err != nil {
			return nil, gatewayerr.Internal(err.Error())
		}
		return key, nil
	})
}

// Run connects to the gateway and begins the subscription wheel, blocking
// until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	go h.wheel.Run(ctx)
	return h.dialer.Run(ctx)
}

func (h *Host) handleGatewayFrame(c *transport.Conn, frame []byte) {
	var req wire.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		logging.Sugar().Warnw("hostsdk: malformed gateway frame", "err", err)
		return
	}
	result := h.registry.Dispatch(context.Background(), req)
	env := wire.Envelope{Method: "response"}
	env.Params = mustMarshal(wire.ResponseParams{
		RequestID: req.ID,
		Response:  responsePayload(result),
	})
	if err := c.Send(env); err != nil {
		logging.Sugar().Warnw("hostsdk: failed to send response", "id", req.ID, "err", err)
	}
}

// responsePayload turns a dispatch result into the raw JSON the gateway's
// parseHostResponse expects: either the handler's own response, or a
// {"error","message","status_code"} object when the handler failed.
func responsePayload(result wire.HostResult) json.RawMessage {
	if result.Err == nil {
		return result.Response
	}
	gerr, ok := gatewayerr.As(result.Err)
	msg := result.Err.Error()
	status := 500
	kind := string(gatewayerr.KindInternal)
	if ok {
		msg = gerr.Message
		status = gerr.Status
		kind = string(gerr.Kind)
	}
	return mustMarshal(wire.HostError{Error: kind, Message: msg, StatusCode: status})
}

// SendReady announces set_klippy_ready with the sensors available for the
// temperature store, mirroring MoonrakerConfig._handle_ready.
func (h *Host) SendReady(sensors []string) error {
	return liveConnSender{h}.Send(wire.Envelope{
		Method: "set_klippy_ready",
		Params: mustMarshal(wire.SetKlippyReadyParams{Sensors: sensors}),
	})
}

// SendShutdown announces set_klippy_shutdown, mirroring _handle_shutdown.
func (h *Host) SendShutdown() error {
	return liveConnSender{h}.Send(wire.Envelope{Method: "set_klippy_shutdown", Params: json.RawMessage("{}")})
}

// Notify pushes a notification envelope, mirroring send_notification.
func (h *Host) Notify(name string, state interface{}) error {
	return liveConnSender{h}.Send(wire.Envelope{
		Method: "notification",
		Params: mustMarshal(wire.NotificationParams{Name: name, State: mustMarshal(state)}),
	})
}

// LoadConfig pushes a load_config envelope, mirroring _load_server_config's
// server_send({'method': 'load_config', ...}) call.
func (h *Host) LoadConfig(cfg wire.RuntimeConfig) error {
	return liveConnSender{h}.Send(wire.Envelope{
		Method: "load_config",
		Params: mustMarshal(wire.LoadConfigParams{Config: cfg}),
	})
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func jsonMarshal(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

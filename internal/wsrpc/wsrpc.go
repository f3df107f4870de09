// Package wsrpc implements the WebSocket connection manager and JSON-RPC 2.0
// dispatcher: every registered host endpoint is exposed as a synthesized RPC
// method name, single or batched requests are supported, and typed errors
// map onto JSON-RPC error codes. Mirrors ws_manager.py's
// JsonRPC/WebsocketManager/WebSocket trio, with gorilla's websocket.Conn
// replacing Tornado's WebSocketHandler.
package wsrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nullstream/moongate/internal/correlator"
	"github.com/nullstream/moongate/internal/gatewayerr"
	"github.com/nullstream/moongate/internal/logging"
	"github.com/nullstream/moongate/internal/metrics"
	"github.com/nullstream/moongate/internal/util"
)

// Method is a registered JSON-RPC method implementation: params is the raw
// "params" member (an array, object, or absent), and the return value is
// marshalled as the "result" member. A non-nil error is mapped to a JSON-RPC
// error object via gatewayerr's status/JSONRPCCode if it is a *gatewayerr.Error,
// or -31000 otherwise.
type Method func(ctx context.Context, params json.RawMessage) (interface{}, error)

// rpcRequest is the wire shape of one JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Dispatcher holds the registered RPC methods. Registration happens
// dynamically as the host pushes add_hook; RemoveEndpoint drops an
// endpoint's methods, mirroring JsonRPC.register_method/remove_method. The
// gateway handles no host message that removes an endpoint, so it never
// calls RemoveEndpoint itself.
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{methods: map[string]Method{}}
}

// MethodName synthesizes the RPC method name for one HTTP method of a
// registered endpoint, mirroring `method.lower() + path.replace('/', '_')`.
func MethodName(httpMethod, path string) string {
	return strings.ToLower(httpMethod) + strings.ReplaceAll(path, "/", "_")
}

// Register adds or replaces name.
func (d *Dispatcher) Register(name string, m Method) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[name] = m
}

// RegisterEndpoint registers one Method per HTTP method for a host-proxied
// endpoint, mirroring WebsocketManager.register_handler's "only
// KlippyRequestHandler-shaped endpoints are exposed over the socket" rule:
// callers pass only the methods that should be RPC-reachable.
func (d *Dispatcher) RegisterEndpoint(path string, httpMethods []string, m Method) {
	for _, hm := range httpMethods {
		d.Register(MethodName(hm, path), m)
	}
}

// RemoveEndpoint removes the RPC methods synthesized for path across the
// three HTTP verbs the host can register, mirroring remove_handler (which
// unconditionally tries get/post/delete regardless of which were registered).
func (d *Dispatcher) RemoveEndpoint(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	suffix := strings.ReplaceAll(path, "/", "_")
	for _, verb := range []string{"get", "post", "delete"} {
		delete(d.methods, verb+suffix)
	}
}

func (d *Dispatcher) lookup(name string) (Method, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.methods[name]
	return m, ok
}

// Dispatch parses data as either a single JSON-RPC request or a batch
// (JSON array) and returns the encoded response, or nil if nothing should be
// written back (every request in a batch was a notification with no id).
// Mirrors JsonRPC.dispatch/process_request/execute_method.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) []byte {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return encode(buildError(-32700, "Parse error", nil))
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var reqs []rpcRequest
		if err := json.Unmarshal(raw, &reqs); err != nil {
			return encode(buildError(-32700, "Parse error", nil))
		}
		var out []rpcResponse
		for _, req := range reqs {
			if resp := d.processRequest(ctx, req); resp != nil {
				out = append(out, *resp)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return encode(out)
	}

	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return encode(buildError(-32700, "Parse error", nil))
	}
	resp := d.processRequest(ctx, req)
	if resp == nil {
		return nil
	}
	return encode(*resp)
}

func (d *Dispatcher) processRequest(ctx context.Context, req rpcRequest) *rpcResponse {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return buildError(-32600, "Invalid Request", req.ID)
	}
	method, ok := d.lookup(req.Method)
	if !ok {
		return buildError(-32601, "Method not found", req.ID)
	}
	return d.executeMethod(ctx, method, req.ID, req.Params)
}

func (d *Dispatcher) executeMethod(ctx context.Context, method Method, id interface{}, params json.RawMessage) *rpcResponse {
	result, err := method(ctx, params)
	if err != nil {
		if gerr, ok := gatewayerr.As(err); ok {
			return buildError(gerr.JSONRPCCode(), gerr.Message, id)
		}
		return buildError(-31000, err.Error(), id)
	}
	if id == nil {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", Result: result, ID: id}
}

func buildError(code int, msg string, id interface{}) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: msg}, ID: id}
}

func encode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"},"id":null}`)
	}
	return b
}

// Conn wraps one upgraded WebSocket connection. Writes are serialized with a
// mutex since gorilla/websocket forbids concurrent writers.
type Conn struct {
	id   string
	ws   *websocket.Conn
	wrMu sync.Mutex
}

// WriteJSON sends v as a single text frame, safe for concurrent callers.
func (c *Conn) WriteJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(b)
}

func (c *Conn) writeRaw(b []byte) error {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Manager tracks every open WebSocket and exposes broadcast, mirroring
// WebsocketManager.websockets/add_websocket/remove_websocket/
// send_all_websockets, with Tornado's async Lock replaced by sync.Mutex.
type Manager struct {
	Dispatcher *Dispatcher

	mu    sync.Mutex
	conns map[string]*Conn

	upgrader   websocket.Upgrader
	authorized func(r *http.Request) error
	corsOpen   func() bool
}

// NewManager returns a Manager backed by d. authorized is called once per
// upgrade request (mirroring WebSocket.prepare); corsOpen controls
// check_origin's CORS bypass.
func NewManager(d *Dispatcher, authorized func(r *http.Request) error, corsOpen func() bool) *Manager {
	m := &Manager{
		Dispatcher: d,
		conns:      map[string]*Conn{},
		authorized: authorized,
		corsOpen:   corsOpen,
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if corsOpen != nil && corsOpen() {
				return true
			}
			return r.Header.Get("Origin") == "" || r.Header.Get("Origin") == "http://"+r.Host
		},
	}
	return m
}

// ServeHTTP upgrades the connection and runs the read loop until it closes,
// mirroring WebSocket.open/on_message/on_close.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.authorized != nil {
		if err := m.authorized(r); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Sugar().Warnw("wsrpc: upgrade failed", "err", err)
		return
	}

	c := &Conn{id: util.MustNewID(), ws: wsConn}
	m.add(c)
	metrics.WebsocketSubscribers.Set(float64(m.Count()))
	defer func() {
		m.remove(c)
		metrics.WebsocketSubscribers.Set(float64(m.Count()))
		_ = wsConn.Close()
	}()

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		resp := m.Dispatcher.Dispatch(r.Context(), data)
		if resp == nil {
			continue
		}
		if err := c.writeRaw(resp); err != nil {
			logging.Sugar().Debugw("wsrpc: write failed, closing", "err", err)
			return
		}
	}
}

func (m *Manager) add(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.id] = c
	logging.Sugar().Infow("wsrpc: websocket added", "id", c.id)
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.id]; ok {
		delete(m.conns, c.id)
		logging.Sugar().Infow("wsrpc: websocket removed", "id", c.id)
	}
}

// Count returns the number of currently open WebSocket connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Broadcast sends v to every open WebSocket, best-effort, mirroring
// send_all_websockets (one failing socket never blocks the others).
func (m *Manager) Broadcast(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	// Connection IDs are time-ordered ULIDs, so sorting by ID sends to
	// sockets in the order they were opened.
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })

	for _, c := range conns {
		if err := c.writeRaw(b); err != nil {
			logging.Sugar().Infow("wsrpc: error sending data over websocket", "id", c.id, "err", err)
		}
	}
}

// CloseAll closes every tracked connection, mirroring WebsocketManager.close.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.conns {
		_ = c.ws.Close()
		delete(m.conns, id)
	}
}

// HostProxyMethod adapts a correlator-backed host proxy into a wsrpc.Method,
// mirroring WebsocketManager._generate_callback: the RPC params become the
// args map sent to the host.
func HostProxyMethod(corr *correlator.Correlator, host correlator.Sender, path, httpMethod string) Method {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		args, err := paramsToArgs(params)
		if err != nil {
			return nil, err
		}
		res, err := corr.Request(ctx, host, path, httpMethod, args)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, res.Err
		}
		var out interface{}
		if len(res.Response) > 0 {
			if err := json.Unmarshal(res.Response, &out); err != nil {
				return nil, gatewayerr.Internal("malformed host response")
			}
		}
		return out, nil
	}
}

// paramsToArgs accepts a JSON-RPC params member shaped as either an object
// (kwargs) or an empty/absent value, mirroring execute_method's **kwargs
// call convention (positional list params have no host-request equivalent
// here, since every host endpoint takes named args).
func paramsToArgs(params json.RawMessage) (map[string]interface{}, error) {
	if len(params) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, gatewayerr.New(gatewayerr.KindValidation, -32603, "Invalid params")
	}
	return args, nil
}

// Package notify implements the gateway's notification bus: every
// notification accepted from the host (including the gateway's own
// synthetic klippy_state_changed and filelist_changed events) is rebroadcast
// to all WebSocket subscribers as notify_<name>, and status_update payloads
// are first recorded into the temperature store. Mirrors moonraker.py's
// _handle_notification/_process_notification pair.
package notify

import (
	"encoding/json"

	"github.com/nullstream/moongate/internal/metrics"
	"github.com/nullstream/moongate/internal/tempstore"
)

// Broadcaster is the subset of wsrpc.Manager notify needs.
type Broadcaster interface {
	Broadcast(v interface{})
}

// envelope is the JSON-RPC 2.0 shaped notification frame every subscriber
// receives, mirroring _process_notification's dict literal exactly
// (params is always a one-element array wrapping the payload).
type envelope struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// Bus fans host notifications out to every connected WebSocket.
type Bus struct {
	ws    Broadcaster
	store *tempstore.Store
}

// New returns a Bus broadcasting over ws. store may be nil if temperature
// tracking is disabled.
func New(ws Broadcaster, store *tempstore.Store) *Bus {
	return &Bus{ws: ws, store: store}
}

// Handle processes one host notification, mirroring _process_notification:
// status_update payloads update the temperature store first, then every
// notification (status_update included) is broadcast as notify_<name>.
func (b *Bus) Handle(name string, data interface{}) {
	if name == "status_update" && b.store != nil {
		if parsed, ok := toStatusUpdate(data); ok {
			b.store.RecordStatusUpdate(parsed)
		}
	}
	b.ws.Broadcast(envelope{JSONRPC: "2.0", Method: "notify_" + name, Params: []interface{}{data}})
	metrics.NotificationsFanoutTotal.Inc()
}

// toStatusUpdate coerces the loosely-typed notification payload (arbitrary
// JSON decoded into interface{} by the wire layer) into the
// map[string]map[string]float64 shape tempstore.RecordStatusUpdate expects.
func toStatusUpdate(data interface{}) (map[string]map[string]float64, bool) {
	top, ok := data.(map[string]interface{})
	if !ok {
		return nil, false
	}
	out := make(map[string]map[string]float64, len(top))
	for sensor, v := range top {
		obj, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		fields := make(map[string]float64, len(obj))
		for k, fv := range obj {
			if f, ok := fv.(float64); ok {
				fields[k] = f
			}
		}
		out[sensor] = fields
	}
	return out, true
}

// HandleRaw processes a notification whose payload arrived as raw host JSON,
// used by the gateway's host-message dispatcher.
func (b *Bus) HandleRaw(name string, raw json.RawMessage) {
	var data interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &data)
	}
	b.Handle(name, data)
}

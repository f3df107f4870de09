// Package hostsdk is the host-side counterpart to the gateway: a small
// library a Klippy-like process links in to announce its endpoints over the
// Unix-domain socket (add_hook), answer proxied requests, push status
// updates on a tick schedule, and persist an API key file. It is the Go
// translation of klippy/webhooks.py's WebHooks/ServerConnection and
// klippy/extras/api_server.py's StatusHandler/MoonrakerConfig.
package hostsdk

import (
	"context"
	"fmt"
	"sync"

	"github.com/nullstream/moongate/internal/gatewayerr"
	"github.com/nullstream/moongate/internal/wire"
)

// Sender is the subset of transport.Conn/Dialer the SDK needs to talk to the
// gateway.
type Sender interface {
	Send(v interface{}) error
}

// EndpointHandler answers one proxied request, mirroring a WebHooks
// callback: method is the HTTP verb, args is the already-decoded argument
// map the gateway forwarded.
type EndpointHandler func(ctx context.Context, method string, args map[string]interface{}) (interface{}, error)

// Endpoint is one host-side registration, mirroring WebHooks.register_endpoint.
type Endpoint struct {
	Path    string
	Methods []string
	Handler EndpointHandler
	Extras  map[string]interface{}
}

// Registry tracks endpoints registered on the host side and pushes add_hook
// to the gateway as each one is added, mirroring register_endpoint's
// "notify Moonraker of a new hook" side effect.
type Registry struct {
	mu       sync.RWMutex
	byPath   map[string]*Endpoint
	sender   Sender
}

// NewRegistry returns an empty Registry that announces new endpoints over
// sender.
func NewRegistry(sender Sender) *Registry {
	return &Registry{byPath: map[string]*Endpoint{}, sender: sender}
}

// Register adds ep and announces it to the gateway via add_hook. Re-registering
// an existing path replaces it without re-announcing (the gateway's registry
// already treats a repeat add_hook as a replace, so either is correct; we
// avoid the redundant wire traffic).
func (r *Registry) Register(ep *Endpoint) error {
	r.mu.Lock()
	_, existed := r.byPath[ep.Path]
	r.byPath[ep.Path] = ep
	r.mu.Unlock()

	if existed {
		return nil
	}
	return r.sender.Send(wire.Envelope{
		Method: "add_hook",
		Params: mustMarshal(wire.AddHookParams{Hook: wire.AddHookTuple{
			Path:    ep.Path,
			Methods: ep.Methods,
			Extras:  ep.Extras,
		}}),
	})
}

func (r *Registry) lookup(path, method string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byPath[path]
	if !ok {
		return nil, false
	}
	for _, m := range ep.Methods {
		if m == method {
			return ep, true
		}
	}
	return nil, false
}

// Dispatch resolves req against the registry and invokes its handler,
// producing the wire.HostResult shape a response envelope carries back.
func (r *Registry) Dispatch(ctx context.Context, req wire.Request) wire.HostResult {
	ep, ok := r.lookup(req.Path, req.Method)
	if !ok {
		return errorResult(gatewayerr.Validation(fmt.Sprintf("unknown endpoint: %s %s", req.Method, req.Path)))
	}
	result, err := ep.Handler(ctx, req.Method, req.Args)
	if err != nil {
		return errorResult(err)
	}
	raw, err := jsonMarshal(result)
	if err != nil {
		return errorResult(gatewayerr.Internal(err.Error()))
	}
	return wire.HostResult{Response: raw}
}

func errorResult(err error) wire.HostResult {
	gerr, ok := gatewayerr.As(err)
	if !ok {
		gerr = gatewayerr.Internal(err.Error())
	}
	return wire.HostResult{Err: gerr}
}

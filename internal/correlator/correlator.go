// Package correlator implements the pending-request table: every request
// proxied to the host is assigned an ID, registered in a table, and
// completed exactly once either by a matching host response or by its own
// deadline. Mirrors moonraker.py's BaseRequest/make_request/
// _handle_klippy_response trio, with the event-loop-owned dict replaced by
// a mutex-guarded map and Go's select replacing Tornado's
// Event.wait(timeout=...).
package correlator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nullstream/moongate/internal/gatewayerr"
	"github.com/nullstream/moongate/internal/logging"
	"github.com/nullstream/moongate/internal/metrics"
	"github.com/nullstream/moongate/internal/util"
	"github.com/nullstream/moongate/internal/wire"
)

// DefaultRequestTimeout mirrors moonraker.py's ServerManager.request_timeout
// default of 5 seconds.
const DefaultRequestTimeout = 5 * time.Second

var tracer trace.Tracer = otel.Tracer("moongate/correlator")

// Sender is the subset of transport.Conn the correlator needs in order to
// deliver a host request; satisfied by *transport.Conn.
type Sender interface {
	Send(v interface{}) error
}

// pending tracks one in-flight request awaiting a host response.
type pending struct {
	done chan wire.HostResult
	once sync.Once
}

func (p *pending) complete(res wire.HostResult) {
	p.once.Do(func() {
		p.done <- res
	})
}

// Correlator owns the pending-request table. One Correlator exists per
// gateway process, shared by every HTTP/WS handler that proxies to the host.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending

	// Timeout overrides pushed by the host via load_config.
	cfgMu               sync.RWMutex
	requestTimeout      time.Duration
	longRunningRequests map[string]time.Duration
	longRunningGcodes   map[string]time.Duration
}

// New returns a Correlator with the default timeout and no overrides.
func New() *Correlator {
	return &Correlator{
		pending:             make(map[string]*pending),
		requestTimeout:      DefaultRequestTimeout,
		longRunningRequests: map[string]time.Duration{},
		longRunningGcodes:   map[string]time.Duration{},
	}
}

// LoadConfig applies a host-pushed RuntimeConfig's timeout fields, exactly
// mirroring moonraker.py's _load_config (only request_timeout and the two
// long_running maps are consumed here; auth-related fields are consumed by
// internal/auth).
func (c *Correlator) LoadConfig(cfg wire.RuntimeConfig) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if cfg.RequestTimeout > 0 {
		c.requestTimeout = time.Duration(cfg.RequestTimeout * float64(time.Second))
	}
	if cfg.LongRunningRequests != nil {
		m := make(map[string]time.Duration, len(cfg.LongRunningRequests))
		for k, v := range cfg.LongRunningRequests {
			m[k] = time.Duration(v * float64(time.Second))
		}
		c.longRunningRequests = m
	}
	if cfg.LongRunningGcodes != nil {
		m := make(map[string]time.Duration, len(cfg.LongRunningGcodes))
		for k, v := range cfg.LongRunningGcodes {
			m[k] = time.Duration(v * float64(time.Second))
		}
		c.longRunningGcodes = m
	}
}

// timeoutFor resolves the effective timeout for path/args, applying the
// gcode-specific override when path is /printer/gcode, exactly as
// make_request does.
func (c *Correlator) timeoutFor(path string, args map[string]interface{}) time.Duration {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()

	timeout := c.requestTimeout
	if t, ok := c.longRunningRequests[path]; ok {
		timeout = t
	}
	if path == "/printer/gcode" {
		if script, ok := args["script"].(string); ok {
			fields := strings.Fields(script)
			if len(fields) > 0 {
				base := strings.ToUpper(fields[0])
				if t, ok := c.longRunningGcodes[base]; ok {
					timeout = t
				}
			}
		}
	}
	return timeout
}

// Request sends path/method/args to the host over conn and blocks until a
// matching response arrives, the per-request timeout elapses, or ctx is
// cancelled. conn may be nil (host not connected), which immediately
// produces a transport error exactly like klippy_send returning false.
func (c *Correlator) Request(ctx context.Context, conn Sender, path, method string, args map[string]interface{}) (wire.HostResult, error) {
	id := util.MustNewID()
	ctx, span := tracer.Start(ctx, "correlator.Request", trace.WithAttributes(
		attribute.String("moongate.path", path),
		attribute.String("moongate.method", method),
		attribute.String("moongate.request_id", id),
	))
	defer span.End()

	timeout := c.timeoutFor(path, args)

	if conn == nil {
		return wire.HostResult{}, gatewayerr.Transport("")
	}

	p := &pending{done: make(chan wire.HostResult, 1)}
	c.mu.Lock()
	c.pending[id] = p
	metrics.PendingRequests.Set(float64(len(c.pending)))
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		metrics.PendingRequests.Set(float64(len(c.pending)))
		c.mu.Unlock()
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if err := conn.Send(wire.Request{ID: id, Path: path, Method: method, Args: args}); err != nil {
		cleanup()
		metrics.HostRequestsTotal.WithLabelValues("send_error").Inc()
		return wire.HostResult{}, gatewayerr.Transport("")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		if gerr, ok := gatewayerr.As(res.Err); ok && gerr.Kind == gatewayerr.KindTransport {
			metrics.HostRequestsTotal.WithLabelValues("transport").Inc()
			return wire.HostResult{}, gerr
		}
		metrics.HostRequestsTotal.WithLabelValues("ok").Inc()
		return res, nil
	case <-timer.C:
		cleanup()
		metrics.HostRequestsTotal.WithLabelValues("timeout").Inc()
		logging.Sugar().Infow("correlator: request timed out", "path", path, "method", method, "id", id)
		return wire.HostResult{}, gatewayerr.Timeout("Klippy Request Timed Out")
	case <-ctx.Done():
		cleanup()
		metrics.HostRequestsTotal.WithLabelValues("cancelled").Inc()
		return wire.HostResult{}, gatewayerr.New(gatewayerr.KindTimeout, 499, "request cancelled")
	}
}

// Resolve completes the pending request matching id, mirroring
// _handle_klippy_response. An unmatched ID is logged and dropped: the
// gateway never crashes on a stray response.
func (c *Correlator) Resolve(id string, result wire.HostResult) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		metrics.PendingRequests.Set(float64(len(c.pending)))
	}
	c.mu.Unlock()

	if !ok {
		logging.Sugar().Infow("correlator: no pending request matching response", "request_id", id)
		return
	}
	p.complete(result)
}

// FailAll completes every pending request with a transport error; called
// when the host connection drops so no caller blocks until its timeout.
func (c *Correlator) FailAll(reason string) {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*pending)
	metrics.PendingRequests.Set(0)
	c.mu.Unlock()

	if len(all) == 0 {
		return
	}
	logging.Sugar().Infow("correlator: failing pending requests, host disconnected", "count", len(all), "reason", reason)
	for _, p := range all {
		p.complete(wire.HostResult{Err: gatewayerr.Transport(reason)})
	}
}

// Pending returns the number of in-flight requests, used by readiness/metrics
// reporting.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

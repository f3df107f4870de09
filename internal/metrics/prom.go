// internal/metrics/prom.go
// Package metrics centralises Prometheus metric registration for the
// gateway binary. It exposes typed collectors so other packages can update
// them without importing the registry. Registration happens against the
// global prometheus.DefaultRegisterer, exposed via the /metrics HTTP handler
// from the Prometheus client library.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// Gauge metrics -----------------------------------------------------
	HostConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "moongate",
		Subsystem: "host",
		Name:      "connected",
		Help:      "1 if the host is currently connected over the Unix socket, 0 otherwise.",
	})

	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "moongate",
		Subsystem: "correlator",
		Name:      "pending_requests",
		Help:      "Number of host requests currently awaiting a response or timeout.",
	})

	WebsocketSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "moongate",
		Subsystem: "ws",
		Name:      "subscribers",
		Help:      "Current number of open WebSocket connections.",
	})

	// Counter metrics -----------------------------------------------------
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "moongate",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests handled, labelled by path and status class.",
	}, []string{"path", "status"})

	HostRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "moongate",
		Subsystem: "correlator",
		Name:      "host_requests_total",
		Help:      "Total host round-trips, labelled by outcome (ok, send_error, transport, timeout, cancelled).",
	}, []string{"outcome"})

	NotificationsFanoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moongate",
		Subsystem: "notify",
		Name:      "fanout_total",
		Help:      "Total notifications fanned out to WebSocket subscribers (summed across all sockets).",
	})
)

// Register exports all metrics; safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			HostConnected,
			PendingRequests,
			WebsocketSubscribers,
			RequestsTotal,
			HostRequestsTotal,
			NotificationsFanoutTotal,
		)
	})
}

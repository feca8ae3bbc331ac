// Package metrics holds the Prometheus collectors shared by the registry and the session manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peerlink"

var (
	Registrations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "registrations_total",
		Help:      "Successful peer registrations, including refreshes.",
	})

	Unregistrations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "unregistrations_total",
		Help:      "Peer records removed on request.",
	})

	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "evictions_total",
		Help:      "Stale peer records purged while listing.",
	})

	MalformedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "malformed_records_total",
		Help:      "Stored peer records that failed to decode.",
	})

	LivePeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "live_peers",
		Help:      "Live peers seen by the most recent listing.",
	})

	ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Open direct sessions by role.",
	}, []string{"role"})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "received_bytes_total",
		Help:      "Bytes delivered from direct sessions.",
	})
)

// NewRegistry returns a registry holding every collector of this package plus the Go runtime ones.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Registrations,
		Unregistrations,
		Evictions,
		MalformedRecords,
		LivePeers,
		ActiveSessions,
		BytesReceived,
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

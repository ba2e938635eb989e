// Package metrics exposes hub counters on a private prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropMalformed      = "malformed"
	DropAnonymous      = "anonymous"
	DropSenderMismatch = "sender_mismatch"
	DropSendFailed     = "send_failed"
)

// Metrics groups the collectors of one server.
type Metrics struct {
	reg *prometheus.Registry

	FramesReceived *prometheus.CounterVec
	Dispatched     *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	OpaqueForwards prometheus.Counter
	Drops          *prometheus.CounterVec
	HandlerErrors  prometheus.Counter
	Peers          prometheus.Gauge
}

// New registers every collector under namespace on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "peerhub"
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Payloads received, by channel.",
		}, []string{"channel"}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Parsed messages dispatched, by type id.",
		}, []string{"type"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Payloads sent to peers, by channel.",
		}, []string{"channel"}),
		OpaqueForwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opaque_forwards_total",
			Help:      "Payloads of unregistered types relayed without decoding.",
		}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Payloads dropped, by reason.",
		}, []string{"reason"}),
		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Errors returned by message handlers.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peers currently in the directory.",
		}),
	}
	m.reg.MustRegister(
		m.FramesReceived, m.Dispatched, m.Deliveries, m.OpaqueForwards,
		m.Drops, m.HandlerErrors, m.Peers,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry, e.g. for tests or extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

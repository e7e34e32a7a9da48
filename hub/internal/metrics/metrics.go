// Package metrics exposes hub counters and gauges in Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "viveye"

// Metrics holds the hub's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessions          prometheus.Gauge
	superseded        prometheus.Counter
	relayOnline       *prometheus.GaugeVec
	commandStatus     *prometheus.CounterVec
	duplicateResults  prometheus.Counter
	malformedMessages prometheus.Counter
	watchdogFired     prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_bound",
			Help: "Agent sessions currently bound to a connection.",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_superseded_total",
			Help: "Connections closed because the same agent registered again.",
		}),
		relayOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "relay_online",
			Help: "1 if at least one agent of the relay is online.",
		}, []string{"relay_id"}),
		commandStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "command_transitions_total",
			Help: "Command status transitions by target status.",
		}, []string{"status"}),
		duplicateResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "command_results_dropped_total",
			Help: "Results dropped because the command was unknown or already terminal.",
		}),
		malformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_messages_total",
			Help: "Inbound frames that failed to decode.",
		}),
		watchdogFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "command_watchdog_fired_total",
			Help: "Commands moved to timeout by the watchdog.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions, m.superseded, m.relayOnline, m.commandStatus,
		m.duplicateResults, m.malformedMessages, m.watchdogFired,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionBound() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionUnbound() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) SessionSuperseded() {
	if m != nil {
		m.superseded.Inc()
	}
}

func (m *Metrics) SetRelayOnline(relayID string, online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.relayOnline.WithLabelValues(relayID).Set(v)
}

func (m *Metrics) CommandTransition(status string) {
	if m != nil {
		m.commandStatus.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ResultDropped() {
	if m != nil {
		m.duplicateResults.Inc()
	}
}

func (m *Metrics) MalformedMessage() {
	if m != nil {
		m.malformedMessages.Inc()
	}
}

func (m *Metrics) WatchdogFired() {
	if m != nil {
		m.watchdogFired.Inc()
	}
}

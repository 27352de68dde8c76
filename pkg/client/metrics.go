package client

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors of one client. They always exist
// so call sites need no nil checks; they are only exported when a
// registerer is configured.
type metrics struct {
	sent           *prometheus.CounterVec // envelopes handed to the transport by type
	received       prometheus.Counter     // frames read from the transport
	dispatched     *prometheus.CounterVec // deliveries handed to local handlers by type
	reconnects     prometheus.Counter
	replyTimeouts  prometheus.Counter
	handlerPanics  prometheus.Counter
	connected      prometheus.Gauge
	queued         prometheus.Gauge
	pendingReplies prometheus.Gauge
}

func newMetrics(clientID string) *metrics {
	labels := prometheus.Labels{"client": clientID}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus", Subsystem: "client", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventbus", Subsystem: "client", Name: name, Help: help, ConstLabels: labels,
		})
	}
	return &metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventbus", Subsystem: "client", Name: "envelopes_sent_total",
			Help: "Envelopes written to the bridge", ConstLabels: labels,
		}, []string{"type"}),
		received: counter("frames_received_total", "Frames read from the bridge"),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventbus", Subsystem: "client", Name: "dispatched_total",
			Help: "Inbound envelopes handed to local handlers", ConstLabels: labels,
		}, []string{"type"}),
		reconnects:     counter("reconnect_attempts_total", "Reconnect attempts started"),
		replyTimeouts:  counter("reply_timeouts_total", "Requests that timed out waiting for a reply"),
		handlerPanics:  counter("handler_panics_total", "Panics recovered from application callbacks"),
		connected:      gauge("connected", "1 while a connection to the bridge is established"),
		queued:         gauge("queued_operations", "Operations waiting for a connection"),
		pendingReplies: gauge("pending_replies", "Requests waiting for a reply"),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.sent, m.received, m.dispatched, m.reconnects, m.replyTimeouts,
		m.handlerPanics, m.connected, m.queued, m.pendingReplies,
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, col := range m.collectors() {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Package metrics holds the Prometheus collectors shared by the agent and the
// relay server. Collectors register on an injected Registerer so tests can use
// a private registry. All methods are safe on a nil receiver.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "collabtext"

// Undo tracks the local undo manager.
type Undo struct {
	ops   *prometheus.CounterVec
	depth *prometheus.GaugeVec
}

// NewUndo creates and registers the undo collectors.
func NewUndo(reg prometheus.Registerer) *Undo {
	m := &Undo{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "undo",
			Name:      "operations_total",
			Help:      "Undo and redo requests by outcome (applied, noop, skipped, empty).",
		}, []string{"action", "outcome"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "undo",
			Name:      "stack_depth",
			Help:      "Current number of records on the undo and redo stacks.",
		}, []string{"stack"}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.depth)
	}
	return m
}

// Observe counts one undo or redo request.
func (m *Undo) Observe(action, outcome string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(action, outcome).Inc()
}

// SetDepth records the current stack sizes.
func (m *Undo) SetDepth(undo, redo int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues("undo").Set(float64(undo))
	m.depth.WithLabelValues("redo").Set(float64(redo))
}

// Sync tracks a replica's traffic with the relay.
type Sync struct {
	sent       prometheus.Counter
	received   prometheus.Counter
	rejected   prometheus.Counter
	reconnects prometheus.Counter
	pending    prometheus.Gauge
}

// NewSync creates and registers the replica collectors.
func NewSync(reg prometheus.Registerer) *Sync {
	m := &Sync{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "ops_sent_total",
			Help: "Local ops sent to the relay.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "ops_received_total",
			Help: "Remote ops applied to the local tree.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "ops_rejected_total",
			Help: "Remote ops that could not be applied to the local tree.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "reconnects_total",
			Help: "Connection attempts to the relay.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "pending_ops",
			Help: "Local ops not yet acknowledged by the relay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.received, m.rejected, m.reconnects, m.pending)
	}
	return m
}

func (m *Sync) Sent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *Sync) Received() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Sync) Rejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Sync) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Sync) Pending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

// Relay tracks the sync relay server.
type Relay struct {
	connections prometheus.Gauge
	ops         *prometheus.CounterVec
}

// NewRelay creates and registers the relay collectors.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "connections",
			Help: "Open client websocket connections.",
		}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "ops_total",
			Help: "Ops handled by the relay by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.ops)
	}
	return m
}

func (m *Relay) Connected() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Relay) Disconnected() {
	if m != nil {
		m.connections.Dec()
	}
}

// Op counts one relayed op ("stored", "failed", "replayed").
func (m *Relay) Op(result string) {
	if m != nil {
		m.ops.WithLabelValues(result).Inc()
	}
}

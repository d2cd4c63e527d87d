package ws

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes fan-out and liveness counters. A nil *Metrics is a no-op.
type Metrics struct {
	connections   prometheus.Gauge
	recipients    prometheus.Gauge
	deliveries    *prometheus.CounterVec
	probes        *prometheus.CounterVec
	staleRemovals prometheus.Counter
}

// NewMetrics registers collectors on reg, reusing collectors that are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "andi",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Number of registered client connections",
		}),
		recipients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "andi",
			Subsystem: "realtime",
			Name:      "recipients",
			Help:      "Number of recipients holding at least one connection",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "andi",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Event writes to client connections by result",
		}, []string{"kind", "result"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "andi",
			Subsystem: "realtime",
			Name:      "heartbeat_probes_total",
			Help:      "Liveness probes sent by result",
		}, []string{"result"}),
		staleRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "andi",
			Subsystem: "realtime",
			Name:      "stale_removals_total",
			Help:      "Connections reaped by the liveness sweep",
		}),
	}
	m.connections = register(reg, m.connections)
	m.recipients = register(reg, m.recipients)
	m.deliveries = register(reg, m.deliveries)
	m.probes = register(reg, m.probes)
	m.staleRemovals = register(reg, m.staleRemovals)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) setConnections(connections, recipients int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.recipients.Set(float64(recipients))
}

func (m *Metrics) delivery(kind, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) probe(result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

func (m *Metrics) staleRemoved() {
	if m == nil {
		return
	}
	m.staleRemovals.Inc()
}

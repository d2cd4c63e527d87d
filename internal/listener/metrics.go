package listener

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes adapter counters to Prometheus. A nil *Metrics is valid and records nothing.
type Metrics struct {
	notifications *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	subscribed    prometheus.Gauge
}

// NewMetrics registers the adapter collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "andi",
			Subsystem: "listener",
			Name:      "notifications_total",
			Help:      "Raw notifications received, partitioned by outcome.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "andi",
			Subsystem: "listener",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts of the dedicated notification connection.",
		}, []string{"result"}),
		subscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "andi",
			Subsystem: "listener",
			Name:      "subscribed",
			Help:      "1 while the notification channel subscription is active.",
		}),
	}
	m.notifications = register(reg, m.notifications)
	m.reconnects = register(reg, m.reconnects)
	m.subscribed = register(reg, m.subscribed)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) reconnect(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) setSubscribed(on bool) {
	if m == nil {
		return
	}
	if on {
		m.subscribed.Set(1)
		return
	}
	m.subscribed.Set(0)
}

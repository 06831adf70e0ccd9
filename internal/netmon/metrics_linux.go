package netmon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts notifier activity. A nil *Metrics records nothing.
type Metrics struct {
	datagrams     prometheus.Counter
	messages      *prometheus.CounterVec
	detailsLost   *prometheus.CounterVec
	notifications prometheus.Counter
	observers     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		datagrams: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "netchanged_datagrams_total",
			Help: "Netlink datagrams received from the kernel",
		}),
		messages: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netchanged_messages_total",
				Help: "Netlink messages decoded, labelled by message type",
			},
			[]string{"type"},
		),
		detailsLost: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netchanged_details_lost_total",
				Help: "Receive or decode failures that forced a conservative notification, labelled by reason",
			},
			[]string{"reason"},
		),
		notifications: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "netchanged_notifications_total",
			Help: "Change notifications dispatched to observers",
		}),
		observers: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "netchanged_observers",
			Help: "Observers currently registered with the notifier",
		}),
	}
}

func (m *Metrics) datagram() {
	if m != nil {
		m.datagrams.Inc()
	}
}

func (m *Metrics) message(msgType uint16) {
	if m != nil {
		m.messages.WithLabelValues(messageTypeName(msgType)).Inc()
	}
}

func (m *Metrics) lost(reason string) {
	if m != nil {
		m.detailsLost.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) notified() {
	if m != nil {
		m.notifications.Inc()
	}
}

func (m *Metrics) setObservers(n int) {
	if m != nil {
		m.observers.Set(float64(n))
	}
}

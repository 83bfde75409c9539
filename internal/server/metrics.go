package server

import "github.com/prometheus/client_golang/prometheus"

// Relay event outcomes.
const (
	resultRelayed   = "relayed"
	resultJoined    = "joined"
	resultInvalid   = "invalid"
	resultForbidden = "forbidden"
	resultMalformed = "malformed"
	resultUnknown   = "unknown"
)

// Metrics tracks relay traffic. A nil *Metrics records nothing.
type Metrics struct {
	events   *prometheus.CounterVec
	sessions prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Relay events by name and outcome.",
		}, []string{"event", "result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Currently connected relay sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.sessions)
	}
	return m
}

func (m *Metrics) event(name, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name, result).Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

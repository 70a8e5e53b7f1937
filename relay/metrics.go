package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by every relay of a process.
// A nil *Metrics records nothing.
type Metrics struct {
	inbound   *prometheus.CounterVec   // By kind: init, message, bare, malformed
	relayed   *prometheus.CounterVec   // By source: response, poll, control, error
	drains    prometheus.Counter       // Poll cycles executed
	coalesced prometheus.Counter       // Drain requests folded into a pending one
	engine    *prometheus.HistogramVec // By call: handle_message, poll
	loads     *prometheus.CounterVec   // By outcome: loaded, failed, timeout, closed
}

// NewMetrics creates the relay collectors and registers them with reg. A nil
// reg disables metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "psprelay",
			Subsystem: "relay",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages accepted by relays",
		}, []string{"kind"}),

		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "psprelay",
			Subsystem: "relay",
			Name:      "relayed_messages_total",
			Help:      "Messages relayed back to clients",
		}, []string{"source"}),

		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "psprelay",
			Subsystem: "relay",
			Name:      "poll_drains_total",
			Help:      "Poll cycles executed",
		}),

		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "psprelay",
			Subsystem: "relay",
			Name:      "poll_coalesced_total",
			Help:      "Drain requests coalesced into an already pending drain",
		}),

		engine: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "psprelay",
			Subsystem: "engine",
			Name:      "call_duration_seconds",
			Help:      "Engine call duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"call"}),

		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "psprelay",
			Subsystem: "engine",
			Name:      "loads_total",
			Help:      "Engine loads by outcome",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{m.inbound, m.relayed, m.drains, m.coalesced, m.engine, m.loads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordInbound(kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordRelayed(source string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(source).Inc()
}

func (m *Metrics) recordDrain() {
	if m == nil {
		return
	}
	m.drains.Inc()
}

func (m *Metrics) recordCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) observeEngine(call string, start time.Time) {
	if m == nil {
		return
	}
	m.engine.WithLabelValues(call).Observe(time.Since(start).Seconds())
}

func (m *Metrics) recordLoad(outcome string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(outcome).Inc()
}

package consensus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qrledger/core/dag"
)

// Metrics holds the prometheus collectors an Engine reports through,
// grounded on the teacher's metrics.Metrics wrapper-around-a-Registerer
// shape. An Engine runs without instrumentation until Engine.SetMetrics
// attaches one, and again after SetMetrics(nil).
type Metrics struct {
	rounds    prometheus.Counter
	accepted  prometheus.Counter
	rejected  prometheus.Counter
	finalized prometheus.Counter
	inFlight  prometheus.Gauge
}

// NewMetrics creates and registers an Engine's collectors against reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qrledger",
			Subsystem: "consensus",
			Name:      "rounds_total",
			Help:      "Query rounds run across all vertices.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qrledger",
			Subsystem: "consensus",
			Name:      "vertices_accepted_total",
			Help:      "Vertices that reached the accepted status.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qrledger",
			Subsystem: "consensus",
			Name:      "vertices_rejected_total",
			Help:      "Vertices that reached the rejected status.",
		}),
		finalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qrledger",
			Subsystem: "consensus",
			Name:      "vertices_finalized_total",
			Help:      "Vertices that reached the final status.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qrledger",
			Subsystem: "consensus",
			Name:      "polls_in_flight",
			Help:      "Query rounds currently awaiting peer responses.",
		}),
	}
	for _, c := range []prometheus.Collector{m.rounds, m.accepted, m.rejected, m.finalized, m.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeRound() {
	if m == nil {
		return
	}
	m.rounds.Inc()
}

// observeStatus reports a newly-reached status for one vertex. Only the
// terminal-adjacent statuses are counted; pending has nothing to count.
func (m *Metrics) observeStatus(status dag.Status) {
	if m == nil {
		return
	}
	switch status {
	case dag.StatusAccepted:
		m.accepted.Inc()
	case dag.StatusRejected:
		m.rejected.Inc()
	case dag.StatusFinal:
		m.finalized.Inc()
	}
}

func (m *Metrics) pollStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) pollEnded() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

package agent

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts signatures and requests.
type Metrics struct {
	signatures *prometheus.CounterVec
	requests   *prometheus.CounterVec
}

// NewMetrics registers the agent counters with reg; a nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icid",
			Name:      "signatures_total",
			Help:      "Request signatures produced, by identity kind.",
		}, []string{"identity"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icid",
			Name:      "agent_requests_total",
			Help:      "Requests sent to the boundary node, by type and result.",
		}, []string{"type", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.signatures, m.requests)
	}
	return m
}

func (m *Metrics) recordSignature(kind string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordRequest(kind RequestType, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(kind), result).Inc()
}

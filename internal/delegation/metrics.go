package delegation

import "github.com/prometheus/client_golang/prometheus"

const (
	resultComposed    = "composed"
	resultDeserialize = "deserialize_error"
	resultChain       = "chain_error"
	resultExpired     = "expired"
)

// Metrics counts verification outcomes.
type Metrics struct {
	verifications *prometheus.CounterVec
}

// NewMetrics registers the verifier counters with reg; a nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icid",
			Name:      "delegation_verifications_total",
			Help:      "Delegated identity verifications by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.verifications)
	}
	return m
}

func (m *Metrics) record(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

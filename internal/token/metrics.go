package token

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for token operations.
type Metrics struct {
	issued   *prometheus.CounterVec
	verified *prometheus.CounterVec
}

// NewMetrics creates token metrics under the given namespace. Registration
// is left to RegisterOn so tests can instantiate freely.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		issued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "issued_total",
				Help:      "Total number of token issue attempts by result.",
			},
			[]string{"result"},
		),
		verified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "verified_total",
				Help:      "Total number of token verification attempts by result.",
			},
			[]string{"result"},
		),
	}
}

// RegisterOn registers the collectors on the given registerer.
func (m *Metrics) RegisterOn(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.issued, m.verified} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordIssue records a token issue attempt.
func (m *Metrics) RecordIssue(result string) {
	m.issued.WithLabelValues(result).Inc()
}

// RecordVerify records a token verification attempt.
func (m *Metrics) RecordVerify(result string) {
	m.verified.WithLabelValues(result).Inc()
}

package keystore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for key store operations.
type Metrics struct {
	rotations *prometheus.CounterVec
	cryptoOps *prometheus.CounterVec
}

// NewMetrics creates key store metrics under the given namespace. It uses a
// private registry-friendly design: collectors are created but registration
// is left to RegisterOn, so tests can instantiate freely.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keystore",
				Name:      "rotations_total",
				Help:      "Total number of key rotations by role and result.",
			},
			[]string{"role", "result"},
		),
		cryptoOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keystore",
				Name:      "crypto_operations_total",
				Help:      "Total number of encrypt/decrypt operations.",
			},
			[]string{"operation"},
		),
	}
}

// RegisterOn registers the collectors on the given registerer.
func (m *Metrics) RegisterOn(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.rotations, m.cryptoOps} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRotation records a rotation attempt.
func (m *Metrics) RecordRotation(role, result string) {
	m.rotations.WithLabelValues(role, result).Inc()
}

// RecordCryptoOp records an encrypt or decrypt operation.
func (m *Metrics) RecordCryptoOp(operation string) {
	m.cryptoOps.WithLabelValues(operation).Inc()
}

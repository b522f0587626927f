package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for the rate limiter.
type Metrics struct {
	rejections   *prometheus.CounterVec
	degradations prometheus.Counter
}

// NewMetrics creates rate limiter metrics under the given namespace.
// Registration is left to RegisterOn so tests can instantiate freely.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "rejections_total",
				Help:      "Total number of rate limit rejections by scope.",
			},
			[]string{"scope"},
		),
		degradations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "store_degradations_total",
				Help:      "Total number of checks served by the local fallback limiter.",
			},
		),
	}
}

// RegisterOn registers the collectors on the given registerer.
func (m *Metrics) RegisterOn(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.rejections, m.degradations} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRejection records a rejected request.
func (m *Metrics) RecordRejection(scope string) {
	m.rejections.WithLabelValues(scope).Inc()
}

// RecordDegradation records a check decided by the local fallback.
func (m *Metrics) RecordDegradation() {
	m.degradations.Inc()
}

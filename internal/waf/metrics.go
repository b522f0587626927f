package waf

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for the request inspector.
type Metrics struct {
	blocks *prometheus.CounterVec
	bans   *prometheus.CounterVec
}

// NewMetrics creates inspector metrics under the given namespace.
// Registration is left to RegisterOn so tests can instantiate freely.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		blocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "waf",
				Name:      "blocked_requests_total",
				Help:      "Total number of blocked requests by category.",
			},
			[]string{"category"},
		),
		bans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "waf",
				Name:      "bans_total",
				Help:      "Total number of address bans by reason.",
			},
			[]string{"reason"},
		),
	}
}

// RegisterOn registers the collectors on the given registerer.
func (m *Metrics) RegisterOn(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.blocks, m.bans} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordBlock records a blocked request.
func (m *Metrics) RecordBlock(category string) {
	m.blocks.WithLabelValues(category).Inc()
}

// RecordBan records a new address ban.
func (m *Metrics) RecordBan(reason string) {
	m.bans.WithLabelValues(reason).Inc()
}

package jobs

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	strategies *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		strategies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "load_balancing_count",
				Help: "Load balancing strategies chosen for executed jobs",
			},
			[]string{"strategy", "data_consistency", "worker"},
		),
	}

	if reg != nil {
		if err := reg.Register(m.strategies); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					m.strategies = existing
				}
			}
		}
	}
	return m
}

func (m *metrics) observe(strategy Strategy, dc DataConsistency, worker string) {
	m.strategies.WithLabelValues(string(strategy), string(dc), worker).Inc()
}

package discovery

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	refreshes    *prometheus.CounterVec
	replacements *prometheus.CounterVec
	failures     *prometheus.CounterVec
	hosts        *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_load_balancing_service_discovery_refreshes_total",
				Help: "Total number of service discovery refreshes",
			},
			[]string{"load_balancer"},
		),
		replacements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_load_balancing_service_discovery_host_replacements_total",
				Help: "Total number of replica list replacements",
			},
			[]string{"load_balancer"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_load_balancing_service_discovery_failures_total",
				Help: "Total number of failed service discovery attempts",
			},
			[]string{"load_balancer"},
		),
		hosts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "db_load_balancing_hosts",
				Help: "Number of replica hosts",
			},
			[]string{"load_balancer"},
		),
	}

	if reg != nil {
		m.refreshes = register(reg, m.refreshes)
		m.replacements = register(reg, m.replacements)
		m.failures = register(reg, m.failures)
		m.hosts = register(reg, m.hosts)
	}
	return m
}

// register registers c or returns the collector registered before by
// another discovery instance.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

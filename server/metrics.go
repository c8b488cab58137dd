package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's Prometheus collectors on a private
// registry so multiple servers can coexist in one process.
type metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registrar",
		Name:      "operations_total",
		Help:      "Registry and governance operations by kind and outcome.",
	}, []string{"operation", "outcome"})
	registry.MustRegister(operations)

	return &metrics{
		registry:   registry,
		operations: operations,
	}
}

func (m *metrics) observe(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

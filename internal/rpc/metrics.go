package rpc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
)

// metrics holds the daemon's Prometheus collectors on a private registry.
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	events   *prometheus.CounterVec
}

func newMetrics(activeSwaps func() int) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomiq",
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method.",
		}, []string{"method"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomiq",
			Name:      "swap_events_total",
			Help:      "Swap lifecycle events by type and resulting state.",
		}, []string{"event", "state"}),
	}

	m.registry.MustRegister(
		m.requests,
		m.events,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "atomiq",
			Name:      "swaps_active",
			Help:      "Swaps currently held in memory.",
		}, func() float64 { return float64(activeSwaps()) }),
	)
	return m
}

func (m *metrics) observe(ev swap.SwapEvent) {
	m.events.WithLabelValues(ev.EventType, string(ev.State)).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes the ambient Prometheus collectors for trailsd.
// This is observability, not a liveness endpoint — the spec's Non-goals
// exclude HTTP liveness probes, not metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors registered on a dedicated registry, served
// over /metrics via promhttp.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	AppsByStatus     *prometheus.GaugeVec
	BusEventsDropped prometheus.Counter
	SweeperRuns      *prometheus.CounterVec
}

// New creates and registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trails",
			Name:      "connected_clients",
			Help:      "Number of currently connected app channels.",
		}),
		AppsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trails",
			Name:      "apps_by_status",
			Help:      "Number of apps currently in each lifecycle status.",
		}, []string{"status"}),
		BusEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trails",
			Name:      "bus_events_dropped_total",
			Help:      "Events dropped because a subscriber's buffer was full.",
		}),
		SweeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trails",
			Name:      "sweeper_runs_total",
			Help:      "Sweeper tick count, by sweeper name.",
		}, []string{"sweeper"}),
	}

	reg.MustRegister(m.ConnectedClients, m.AppsByStatus, m.BusEventsDropped, m.SweeperRuns)
	return m
}

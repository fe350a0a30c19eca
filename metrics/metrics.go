// Package metrics exposes the engine's running statistics as Prometheus
// collectors. Each engine instance owns its registry; nothing is
// registered globally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	// StoreMutations counts successful file mutations by type.
	StoreMutations *prometheus.CounterVec

	// WatcherEvents counts raw events accepted past the ignore filter.
	WatcherEvents prometheus.Counter

	// WatcherBatches counts emitted batches.
	WatcherBatches prometheus.Counter

	// PoolConnections tracks currently managed connections.
	PoolConnections prometheus.Gauge

	// PoolMessages counts messages pushed through the pool.
	PoolMessages prometheus.Counter

	// SessionsActive tracks live collaboration sessions.
	SessionsActive prometheus.Gauge
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		StoreMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncengine_store_mutations_total",
			Help: "Successful file store mutations by type.",
		}, []string{"type"}),
		WatcherEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_watcher_events_total",
			Help: "Raw filesystem events accepted past the ignore filter.",
		}),
		WatcherBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_watcher_batches_total",
			Help: "Coalesced change batches emitted.",
		}),
		PoolConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncengine_pool_connections",
			Help: "Connections currently managed by the pool.",
		}),
		PoolMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncengine_pool_messages_total",
			Help: "Messages pushed through the connection pool.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncengine_sessions_active",
			Help: "Live collaboration sessions.",
		}),
	}

	registry.MustRegister(
		m.StoreMutations,
		m.WatcherEvents,
		m.WatcherBatches,
		m.PoolConnections,
		m.PoolMessages,
		m.SessionsActive,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exports sync-core counters through Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/steveyegge/consolesync/internal/loader"
)

const namespace = "consolesync"

// Metrics implements action.Recorder on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	syncs     *prometheus.CounterVec
	redirects *prometheus.CounterVec
	cancelled *prometheus.CounterVec
}

// New creates the collectors. When l is non-nil the loader's pending count
// and busy state are exported as gauges.
func New(l *loader.Loader) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_responses_total",
			Help:      "Sync responses by entity and outcome (applied, stale, failed).",
		}, []string{"entity", "outcome"}),
		redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_redirects_total",
			Help:      "Responses that reported an expired session.",
		}, []string{"entity"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancelled_requests_total",
			Help:      "Cancellable requests aborted by the user.",
		}, []string{"entity"}),
	}
	m.registry.MustRegister(m.syncs, m.redirects, m.cancelled)

	if l != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loader_pending",
				Help:      "Operations currently in flight.",
			}, func() float64 { return float64(l.Pending()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loader_busy",
				Help:      "1 while any operation is in flight.",
			}, func() float64 {
				if l.Busy() {
					return 1
				}
				return 0
			}),
		)
	}
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SyncApplied(entity string) { m.syncs.WithLabelValues(entity, "applied").Inc() }
func (m *Metrics) SyncStale(entity string)   { m.syncs.WithLabelValues(entity, "stale").Inc() }
func (m *Metrics) SyncFailed(entity string)  { m.syncs.WithLabelValues(entity, "failed").Inc() }
func (m *Metrics) Redirected(entity string)  { m.redirects.WithLabelValues(entity).Inc() }

func (m *Metrics) Cancelled(entity string, n int) {
	m.cancelled.WithLabelValues(entity).Add(float64(n))
}

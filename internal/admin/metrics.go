package admin

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the station collectors on a private registry. The
// orchestrator reports update outcomes through it, the admin router's
// request middleware registers alongside it, and Handler serves the
// scrape endpoint for the whole registry.
type Metrics struct {
	registry *prometheus.Registry

	updates   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	upToDate  *prometheus.GaugeVec
	refreshes prometheus.Counter
}

// NewMetrics builds the station collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moondream",
			Subsystem: "station",
			Name:      "updates_total",
			Help:      "Total update operations by component and outcome",
		}, []string{"component", "outcome"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moondream",
			Subsystem: "station",
			Name:      "update_duration_seconds",
			Help:      "Update operation duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"component"}),

		upToDate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "moondream",
			Subsystem: "station",
			Name:      "component_up_to_date",
			Help:      "1 when the component matches the manifest, 0 otherwise",
		}, []string{"component"}),

		refreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "moondream",
			Subsystem: "station",
			Name:      "manifest_refreshes_total",
			Help:      "Total successful manifest refreshes",
		}),
	}
}

// Registry exposes the underlying registry so the request middleware
// can register against it.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpdate records one terminal update outcome.
func (m *Metrics) ObserveUpdate(component, outcome string, elapsed time.Duration) {
	m.updates.WithLabelValues(component, outcome).Inc()
	m.duration.WithLabelValues(component).Observe(elapsed.Seconds())
}

// SetUpToDate records whether a component currently matches the
// manifest.
func (m *Metrics) SetUpToDate(component string, ok bool) {
	v := 0.0
	if ok {
		v = 1.0
	}
	m.upToDate.WithLabelValues(component).Set(v)
}

// ObserveManifestRefresh counts a successful manifest fetch.
func (m *Metrics) ObserveManifestRefresh() {
	m.refreshes.Inc()
}

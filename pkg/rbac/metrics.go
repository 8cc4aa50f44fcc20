package rbac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of the authorization core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	DecisionsTotal     *prometheus.CounterVec
	CheckDuration      prometheus.Histogram
	CacheRequestsTotal *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	CacheEntries       prometheus.Gauge
}

// NewMetrics creates the RBAC metrics and registers them with registerer
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_authz_decisions_total",
				Help: "Total number of authorization decisions",
			},
			[]string{"result"},
		),
		CheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_authz_check_duration_seconds",
				Help:    "Authorization check duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		CacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_permission_cache_requests_total",
				Help: "Permission cache lookups by result",
			},
			[]string{"result"},
		),
		CacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_permission_cache_invalidations_total",
				Help: "Permission cache invalidations by scope",
			},
			[]string{"scope"},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_permission_cache_entries",
				Help: "Number of entries held by the permission cache",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.DecisionsTotal,
			m.CheckDuration,
			m.CacheRequestsTotal,
			m.CacheInvalidations,
			m.CacheEntries,
		)
	}
	return m
}

func (m *Metrics) observeDecision(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(result).Inc()
	m.CheckDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheRequestsTotal.WithLabelValues("hit").Inc()
	} else {
		m.CacheRequestsTotal.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) cacheInvalidated(scope string) {
	if m == nil {
		return
	}
	m.CacheInvalidations.WithLabelValues(scope).Inc()
}

func (m *Metrics) cacheSize(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

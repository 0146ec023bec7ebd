// Package metrics exposes crawl cycle counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lysyi3m/examwatch/app/report"
)

const namespace = "examwatch"

type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	siteOutcomes  *prometheus.CounterVec
	recordsNew    *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	pagesFetched  *prometheus.CounterVec
	indexSize     prometheus.Gauge
	lastCycle     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Crawl cycles completed, by trigger and status.",
		}, []string{"trigger", "status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a crawl cycle.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		siteOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "site_crawls_total",
			Help:      "Site crawls, by site and outcome.",
		}, []string{"site", "outcome"}),
		recordsNew: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_new_total",
			Help:      "Records written for the first time.",
		}, []string{"site"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_duplicate_total",
			Help:      "Extracted records that were already stored.",
		}, []string{"site"}),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Documents fetched successfully.",
		}, []string{"site"}),
		indexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fingerprint_index_size",
			Help:      "Committed fingerprints held in memory.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last crawl cycle finished.",
		}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.siteOutcomes,
		m.recordsNew,
		m.duplicates,
		m.pagesFetched,
		m.indexSize,
		m.lastCycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(c *report.Cycle) {
	m.cycles.WithLabelValues(string(c.Trigger), string(c.Status)).Inc()
	m.cycleDuration.Observe(c.Duration().Seconds())
	m.lastCycle.Set(float64(c.FinishedAt.Unix()))

	for _, s := range c.Sites {
		m.siteOutcomes.WithLabelValues(s.SiteID, string(s.Status)).Inc()
		if s.Status == report.OutcomeSkipped {
			continue
		}
		m.recordsNew.WithLabelValues(s.SiteID).Add(float64(s.New))
		m.duplicates.WithLabelValues(s.SiteID).Add(float64(s.Duplicates))
		m.pagesFetched.WithLabelValues(s.SiteID).Add(float64(s.PagesFetched))
	}
}

func (m *Metrics) SetIndexSize(n int) {
	m.indexSize.Set(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Package metrics holds the process-wide Prometheus registry and the
// instruments the analyzer and scheduler report into.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	AnalysisEvents   *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec
	ScrapeRuns       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		AnalysisEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_analysis_events_total",
			Help: "Image analysis events processed, by outcome.",
		}, []string{"status"}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "image_analysis_duration_seconds",
			Help:    "Wall time of one image analysis event, by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		ScrapeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrape_runs_total",
			Help: "Scheduled scrape runs, by outcome.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.AnalysisEvents, m.AnalysisDuration, m.ScrapeRuns)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

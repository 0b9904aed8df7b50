// Package metrics defines the prometheus gauges, counters, and
// histograms exported across the pool, write pipeline, and reindexer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bifrost_pool_workers_total",
			Help: "Number of worker processes by state",
		},
		[]string{"state"},
	)

	RoutingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bifrost_pool_routing_latency_seconds",
			Help:    "Time from execution submission to worker assignment",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_executions_total",
			Help: "Total executions by outcome",
		},
		[]string{"outcome"},
	)

	// Write pipeline metrics
	WritePipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bifrost_write_pipeline_duration_seconds",
			Help:    "Time taken for a full file write pipeline run",
			Buckets: prometheus.DefBuckets,
		},
	)

	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_writes_total",
			Help: "Total file writes by outcome",
		},
		[]string{"outcome"},
	)

	// Reindex metrics
	ReindexDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bifrost_reindex_duration_seconds",
			Help:    "Time taken for a full reindex sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReindexFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_reindex_files_total",
			Help: "Files touched by a reindex sweep, by outcome",
		},
		[]string{"outcome"},
	)

	// Deactivation guard metrics
	DeactivationGuardDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_deactivation_guard_decisions_total",
			Help: "Deactivation guard outcomes by decision",
		},
		[]string{"decision"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(RoutingLatency)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(WritePipelineDuration)
	prometheus.MustRegister(WritesTotal)
	prometheus.MustRegister(ReindexDuration)
	prometheus.MustRegister(ReindexFilesTotal)
	prometheus.MustRegister(DeactivationGuardDecisions)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

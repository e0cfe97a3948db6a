// Package metrics exposes Prometheus counters for staging and reconciliation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests and multiple engines in one
// process do not collide on the default registry.
type Collector struct {
	registry *prometheus.Registry

	BatchesStaged    *prometheus.CounterVec
	RowsRejected     *prometheus.CounterVec
	EntriesProcessed *prometheus.CounterVec
	FieldChanges     *prometheus.CounterVec
	BatchesFinished  *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	BatchesInFlight  prometheus.Gauge
}

// NewCollector creates and registers every metric under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "catalogmerge"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		BatchesStaged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_staged_total",
			Help:      "Batches staged, by source.",
		}, []string{"source"}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_rejected_total",
			Help:      "Rows rejected by normalization, by source.",
		}, []string{"source"}),
		EntriesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_processed_total",
			Help:      "Staged entries reconciled, by source and outcome.",
		}, []string{"source", "outcome"}),
		FieldChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_changes_total",
			Help:      "Change log rows written, by source and change type.",
		}, []string{"source", "change_type"}),
		BatchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_finished_total",
			Help:      "Batches that reached a terminal status.",
		}, []string{"source", "status"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_seconds",
			Help:      "Wall time spent processing one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"source"}),
		BatchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_in_flight",
			Help:      "Batches currently being processed.",
		}),
	}
	c.registry.MustRegister(
		c.BatchesStaged,
		c.RowsRejected,
		c.EntriesProcessed,
		c.FieldChanges,
		c.BatchesFinished,
		c.BatchDuration,
		c.BatchesInFlight,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveBatch records the duration of one processing run.
func (c *Collector) ObserveBatch(source string, started time.Time) {
	c.BatchDuration.WithLabelValues(source).Observe(time.Since(started).Seconds())
}

// Package metrics exposes ledger counters through a private prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caseledger"

// Rebuild outcomes.
const (
	RebuildChanged   = "changed"
	RebuildUnchanged = "unchanged"
	RebuildFailed    = "failed"
)

// Metrics holds every collector the ledger records into.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	rebuilds   *prometheus.CounterVec
	submits    *prometheus.CounterVec
	migrated   *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by name and status.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "case_rebuilds_total",
			Help:      "Case rebuilds by outcome.",
		}, []string{"outcome"}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Form submissions by outcome.",
		}, []string{"outcome"}),
		migrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrated_forms_total",
			Help:      "Forms handled by the migrator by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rebuild_queue_depth",
			Help:      "Pending rebuild requests.",
		}),
	}
	m.registry.MustRegister(m.operations, m.durations, m.rebuilds, m.submits, m.migrated, m.queueDepth)
	return m
}

// Observe records the outcome and latency of a named operation.
func (m *Metrics) Observe(_ context.Context, operation string, err error, d time.Duration) {
	if m == nil || operation == "" {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operations.WithLabelValues(operation, status).Inc()
	m.durations.WithLabelValues(operation).Observe(d.Seconds())
}

// Rebuild counts one case rebuild.
func (m *Metrics) Rebuild(outcome string) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(outcome).Inc()
}

// Submitted counts one submission by outcome.
func (m *Metrics) Submitted(outcome string) {
	if m == nil {
		return
	}
	m.submits.WithLabelValues(outcome).Inc()
}

// Migrated counts one migrated form by result.
func (m *Metrics) Migrated(result string) {
	if m == nil {
		return
	}
	m.migrated.WithLabelValues(result).Inc()
}

// SetQueueDepth reports the number of pending rebuild requests.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

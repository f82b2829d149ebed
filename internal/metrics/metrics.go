// Package metrics holds the Prometheus collectors for the ingestion pipeline.
//
// A nil *Metrics is valid and records nothing, so components can be built in
// tests without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "editais"

// Fetch failure reasons.
const (
	ReasonTransport = "transport"
	ReasonStatus    = "status"
	ReasonDecode    = "decode"
)

// Metrics groups every collector exported by the service.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	processed     *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	merged        *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Ingestion runs by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_processed_total",
			Help:      "Notices handed to the merge store",
		}, []string{"trigger"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Registry page fetches that degraded to an empty result",
		}, []string{"reason"}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_merged_total",
			Help:      "Merged notices by operation (insert or update)",
		}, []string{"op"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Wall time of one ingestion run",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"trigger"}),
	}
	reg.MustRegister(m.runsTotal, m.processed, m.fetchFailures, m.merged, m.runDuration)
	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ObserveRun records the outcome of one orchestrator run.
func (m *Metrics) ObserveRun(trigger, outcome string, processed int, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(trigger, outcome).Inc()
	m.processed.WithLabelValues(trigger).Add(float64(processed))
	m.runDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// FetchFailed counts a registry page that degraded to an empty result.
func (m *Metrics) FetchFailed(reason string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(reason).Inc()
}

// Merged counts inserts and updates performed by the merge store.
func (m *Metrics) Merged(inserted, updated int) {
	if m == nil {
		return
	}
	m.merged.WithLabelValues("insert").Add(float64(inserted))
	m.merged.WithLabelValues("update").Add(float64(updated))
}

// Package metrics holds the Prometheus collectors shared by the pipeline,
// the ingestors and the delivery queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pgonotify"

// Metrics is safe to share; a nil *Metrics disables recording.
type Metrics struct {
	Registry *prometheus.Registry

	Ingested      *prometheus.CounterVec // source
	Malformed     *prometheus.CounterVec // source
	Skipped       *prometheus.CounterVec // reason: duplicate|expired
	Matches       *prometheus.CounterVec // spot
	Deliveries    *prometheus.CounterVec // result: sent|failed|dropped
	DeliveryTime  prometheus.Histogram
	SeenIDs       prometheus.Gauge
	SnapshotScans *prometheus.CounterVec // trigger: fsnotify|rescan|start
}

// New registers all collectors on a fresh registry (plus Go/process
// collectors), so tests can build as many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Ingested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encounters_ingested_total",
			Help:      "Encounters parsed from an ingestion source.",
		}, []string{"source"}),
		Malformed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_input_total",
			Help:      "Ingestion units dropped as malformed.",
		}, []string{"source"}),
		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encounters_skipped_total",
			Help:      "Poll encounters skipped before geomatching.",
		}, []string{"reason"}),
		Matches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geofence_matches_total",
			Help:      "Encounter/spot pairs within the configured distance.",
		}, []string{"spot"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Notification deliveries by result.",
		}, []string{"result"}),
		DeliveryTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time to send text and location for one match.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		SeenIDs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_seen_ids",
			Help:      "Encounter ids held by the dedup tracker.",
		}),
		SnapshotScans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_scans_total",
			Help:      "Snapshot file scans by trigger.",
		}, []string{"trigger"}),
	}
}

func (m *Metrics) IncIngested(source string) {
	if m != nil {
		m.Ingested.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncMalformed(source string) {
	if m != nil {
		m.Malformed.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncSkipped(reason string) {
	if m != nil {
		m.Skipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncMatch(spot string) {
	if m != nil {
		m.Matches.WithLabelValues(spot).Inc()
	}
}

func (m *Metrics) ObserveDelivery(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.DeliveryTime.Observe(seconds)
	}
}

func (m *Metrics) SetSeen(n int) {
	if m != nil {
		m.SeenIDs.Set(float64(n))
	}
}

func (m *Metrics) IncScan(trigger string) {
	if m != nil {
		m.SnapshotScans.WithLabelValues(trigger).Inc()
	}
}

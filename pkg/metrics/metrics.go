// Package metrics exposes blob store activity as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacktea/shardfs/pkg/blob"
	"github.com/jacktea/shardfs/pkg/xerrors"
)

const (
	namespace      = "shardfs"
	blobSubsystem  = "blob"
	auditSubsystem = "audit"

	variantLabelKey = "variant"
	resultLabelKey  = "result"
)

// Metrics implements blob.Metrics and audit.Metrics.
type Metrics struct {
	saves        *prometheus.CounterVec
	saveDuration *prometheus.HistogramVec
	deletes      *prometheus.CounterVec
	missingBlobs prometheus.Gauge
	orphanFiles  prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg means
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: blobSubsystem,
			Name:      "saves_total",
			Help:      "Number of save calls by variant and result",
		}, []string{variantLabelKey, resultLabelKey}),
		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: blobSubsystem,
			Name:      "save_duration_seconds",
			Help:      "Save handling time",
			Buckets:   prometheus.DefBuckets,
		}, []string{variantLabelKey}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: blobSubsystem,
			Name:      "deletes_total",
			Help:      "Number of delete calls by result",
		}, []string{resultLabelKey}),
		missingBlobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: auditSubsystem,
			Name:      "missing_blobs",
			Help:      "Metadata records without a stored file, as of the last sweep",
		}),
		orphanFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: auditSubsystem,
			Name:      "orphan_files",
			Help:      "Stored files without a metadata record, as of the last sweep",
		}),
	}
	reg.MustRegister(m.saves, m.saveDuration, m.deletes, m.missingBlobs, m.orphanFiles)
	return m
}

// ObserveSave records one save call. Failures are labeled with their error
// kind.
func (m *Metrics) ObserveSave(variant blob.Variant, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = xerrors.KindOf(err).String()
	}
	m.saves.WithLabelValues(string(variant), result).Inc()
	m.saveDuration.WithLabelValues(string(variant)).Observe(d.Seconds())
}

// ObserveDelete records one delete call.
func (m *Metrics) ObserveDelete(deleted bool) {
	result := "deleted"
	if !deleted {
		result = "rejected"
	}
	m.deletes.WithLabelValues(result).Inc()
}

// SetAuditResult publishes the outcome of the last audit sweep.
func (m *Metrics) SetAuditResult(missingBlobs, orphanFiles int) {
	m.missingBlobs.Set(float64(missingBlobs))
	m.orphanFiles.Set(float64(orphanFiles))
}
